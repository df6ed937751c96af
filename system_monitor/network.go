package systemmonitor

import (
	"strconv"
	"strings"
)

type netCounters struct {
	recvBytes int
	sendBytes int
}

// parseNetDev reads per-interface byte counters from /proc/net/dev. The loopback interface is skipped.
func parseNetDev(out string) map[string]netCounters {
	counters := map[string]netCounters{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) != 17 || !strings.HasSuffix(parts[0], ":") {
			continue
		}
		iface := strings.TrimSuffix(parts[0], ":")
		if iface == "lo" {
			continue
		}
		recvBytes, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		sendBytes, err := strconv.Atoi(parts[9])
		if err != nil {
			continue
		}
		counters[iface] = netCounters{recvBytes: recvBytes, sendBytes: sendBytes}
	}
	return counters
}

// deltaBytes sums the counter growth of interfaces present in both readings. Counters that went backwards (interface
// reset) are ignored.
func deltaBytes(prev, curr map[string]netCounters) (recv, send int) {
	for iface, c := range curr {
		p, ok := prev[iface]
		if !ok {
			continue
		}
		if c.recvBytes >= p.recvBytes {
			recv += c.recvBytes - p.recvBytes
		}
		if c.sendBytes >= p.sendBytes {
			send += c.sendBytes - p.sendBytes
		}
	}
	return recv, send
}
