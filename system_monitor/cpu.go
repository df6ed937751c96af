package systemmonitor

import (
	"strconv"
	"strings"
)

type cpuTimeStat struct {
	user      int
	nice      int
	system    int
	idle      int
	iowait    int
	irq       int
	softIrq   int
	steal     int
	guest     int
	guestNice int
}

func (ts *cpuTimeStat) totalCPUTime() int {
	return ts.user + ts.system + ts.nice + ts.iowait + ts.irq + ts.softIrq + ts.steal + ts.idle
}

func (ts *cpuTimeStat) idleCPUTime() int {
	return ts.idle + ts.iowait
}

// parseCPUTimeStat reads the aggregate cpu line of /proc/stat. Per-core lines are ignored.
func parseCPUTimeStat(out string) *cpuTimeStat {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 9 {
			return nil
		}
		vals := make([]int, 10)
		for i := range vals {
			if i+1 >= len(parts) {
				break
			}
			v, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return nil
			}
			vals[i] = v
		}
		return &cpuTimeStat{
			user:      vals[0],
			nice:      vals[1],
			system:    vals[2],
			idle:      vals[3],
			iowait:    vals[4],
			irq:       vals[5],
			softIrq:   vals[6],
			steal:     vals[7],
			guest:     vals[8],
			guestNice: vals[9],
		}
	}
	return nil
}

// busyPercent is the share of CPU time between prev and curr not spent idle.
func busyPercent(prev, curr *cpuTimeStat) (float64, bool) {
	total := curr.totalCPUTime() - prev.totalCPUTime()
	if total <= 0 {
		return 0, false
	}
	idle := curr.idleCPUTime() - prev.idleCPUTime()
	return 100 * float64(total-idle) / float64(total), true
}
