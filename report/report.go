package report

import (
	"fmt"
	"sort"
	"strings"
)

// Metadata describes the environment a sample was measured in. Every sample carries all of it, including sentinel
// samples for failed runs.
type Metadata struct {
	ReceivingMachineType string
	ReceivingZone        string
	SendingMachineType   string
	SendingZone          string
	SendingThreadCount   int
	RuntimeInSeconds     int
	IPType               string
}

func (m Metadata) Map() map[string]string {
	return map[string]string{
		"receiving_machine_type": m.ReceivingMachineType,
		"receiving_zone":         m.ReceivingZone,
		"sending_machine_type":   m.SendingMachineType,
		"sending_zone":           m.SendingZone,
		"sending_thread_count":   fmt.Sprint(m.SendingThreadCount),
		"runtime_in_seconds":     fmt.Sprint(m.RuntimeInSeconds),
		"ip_type":                m.IPType,
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `:`, `\:`)

// Labels renders the metadata as comma-joined key:value pairs with sorted keys. Separators inside values are
// backslash-escaped so the string splits back into the same pairs.
func (m Metadata) Labels() string {
	kv := m.Map()
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+labelEscaper.Replace(kv[k]))
	}
	return strings.Join(parts, ",")
}

// ParseLabels is the inverse of Metadata.Labels.
func ParseLabels(labels string) (map[string]string, error) {
	out := map[string]string{}
	if labels == "" {
		return out, nil
	}

	var key, cur strings.Builder
	inValue := false
	escaped := false
	flush := func() error {
		if !inValue {
			return fmt.Errorf("label %q has no value", cur.String())
		}
		out[key.String()] = cur.String()
		key.Reset()
		cur.Reset()
		inValue = false
		return nil
	}
	for _, r := range labels {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':' && !inValue:
			key.WriteString(cur.String())
			cur.Reset()
			inValue = true
		case r == ',':
			err := flush()
			if err != nil {
				return nil, err
			}
		default:
			cur.WriteRune(r)
		}
	}
	err := flush()
	if err != nil {
		return nil, err
	}
	return out, nil
}

type Sample struct {
	Metric   string
	Value    float64
	Unit     string
	Metadata Metadata

	// Set on the sentinel recorded in place of a cell that failed.
	Failed bool
}

func NewSample(metric string, value float64, unit string, metadata Metadata) Sample {
	return Sample{Metric: metric, Value: value, Unit: unit, Metadata: metadata}
}

// NewFailureSample returns the sentinel for a failed cell. value is the tool's conventional placeholder.
func NewFailureSample(metric string, value float64, unit string, metadata Metadata) Sample {
	return Sample{Metric: metric, Value: value, Unit: unit, Metadata: metadata, Failed: true}
}
