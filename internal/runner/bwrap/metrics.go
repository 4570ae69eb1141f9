package bwrap

import (
	"bufio"
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/repository/dto"
	"github.com/solvia/executor/pkg/utils"
)

// timeOutputFile is written by the measuring wrapper inside the box.
const timeOutputFile = "time_output.txt"

// timeFormat is the record requested from the measuring wrapper, one
// "label: value" line per field. The parser below consumes exactly
// this layout.
const timeFormat = "Command: %C\n" +
	"Elapsed time: %E\n" +
	"User CPU time: %U\n" +
	"System CPU time: %S\n" +
	"CPU Percentage: %P\n" +
	"Avg total memory usage: %K KB\n" +
	"Avg shared memory size: %D KB\n" +
	"Avg unshared data size: %p KB\n" +
	"Avg unshared stack size: %t KB\n" +
	"Page reclaims (soft page faults): %R\n" +
	"Page faults (hard page faults): %F\n" +
	"Swaps: %W\n" +
	"Block input operations: %I\n" +
	"Block output operations: %O\n" +
	"IPC messages sent: %r\n" +
	"IPC messages received: %s\n" +
	"Signals received: %k\n" +
	"Voluntary context switches: %w\n" +
	"Involuntary context switches: %c\n" +
	"Maximum resident set size: %M KB\n" +
	"Exit status: %x"

type fieldSetter func(*dto.TimeResult, string) error

var timeFields = map[string]fieldSetter{
	"Command": func(r *dto.TimeResult, v string) error {
		r.Command = v
		return nil
	},
	"Elapsed time": func(r *dto.TimeResult, v string) error {
		t, err := utils.ParseClock(v)
		r.ElapsedTime = t
		return err
	},
	"User CPU time":   floatField(func(r *dto.TimeResult) *float64 { return &r.UserCPUTime }),
	"System CPU time": floatField(func(r *dto.TimeResult) *float64 { return &r.SystemCPUTime }),
	"CPU Percentage": func(r *dto.TimeResult, v string) error {
		r.CPUPercentage = v
		return nil
	},
	"Avg total memory usage":           intField(func(r *dto.TimeResult) *int64 { return &r.AvgTotalMem }),
	"Avg shared memory size":           intField(func(r *dto.TimeResult) *int64 { return &r.AvgSharedMem }),
	"Avg unshared data size":           intField(func(r *dto.TimeResult) *int64 { return &r.AvgUnsharedData }),
	"Avg unshared stack size":          intField(func(r *dto.TimeResult) *int64 { return &r.AvgUnsharedStack }),
	"Page reclaims (soft page faults)": intField(func(r *dto.TimeResult) *int64 { return &r.PageReclaims }),
	"Page faults (hard page faults)":   intField(func(r *dto.TimeResult) *int64 { return &r.PageFaults }),
	"Swaps":                            intField(func(r *dto.TimeResult) *int64 { return &r.Swaps }),
	"Block input operations":           intField(func(r *dto.TimeResult) *int64 { return &r.BlockInputOps }),
	"Block output operations":          intField(func(r *dto.TimeResult) *int64 { return &r.BlockOutputOps }),
	"IPC messages sent":                intField(func(r *dto.TimeResult) *int64 { return &r.IPCMsgsSent }),
	"IPC messages received":            intField(func(r *dto.TimeResult) *int64 { return &r.IPCMsgsReceived }),
	"Signals received":                 intField(func(r *dto.TimeResult) *int64 { return &r.SignalsReceived }),
	"Voluntary context switches":       intField(func(r *dto.TimeResult) *int64 { return &r.VoluntaryCtxtSwitches }),
	"Involuntary context switches":     intField(func(r *dto.TimeResult) *int64 { return &r.InvoluntaryCtxtSwitches }),
	"Maximum resident set size":        intField(func(r *dto.TimeResult) *int64 { return &r.MaxResidentSetSize }),
	"Exit status": func(r *dto.TimeResult, v string) error {
		n, err := strconv.Atoi(v)
		r.ExitStatus = n
		return err
	},
}

func floatField(ptr func(*dto.TimeResult) *float64) fieldSetter {
	return func(r *dto.TimeResult, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		*ptr(r) = f
		return err
	}
}

// intField parses integer values, tolerating a trailing unit such as
// "1234 KB".
func intField(ptr func(*dto.TimeResult) *int64) fieldSetter {
	return func(r *dto.TimeResult, v string) error {
		if fields := strings.Fields(v); len(fields) > 0 {
			v = fields[0]
		}
		n, err := strconv.ParseInt(v, 10, 64)
		*ptr(r) = n
		return err
	}
}

// ParseTimeOutput turns a record written under timeFormat into a
// TimeResult. The record is taken as a whole: a missing or malformed
// field invalidates it entirely, so callers either get every field or
// none. Lines without a "label:" shape, such as the wrapper's own
// "Command terminated by signal N" notice, are skipped.
func ParseTimeOutput(data []byte) (*dto.TimeResult, error) {
	result := new(dto.TimeResult)
	seen := make(map[string]bool, len(timeFields))

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		set, known := timeFields[key]
		if !known {
			continue
		}
		if err := set(result, value); err != nil {
			return nil, errors.Wrapf(err, "malformed field %q", key)
		}
		seen[key] = true
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read record")
	}

	if len(seen) != len(timeFields) {
		missing := make([]string, 0, len(timeFields)-len(seen))
		for key := range timeFields {
			if !seen[key] {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)
		return nil, errors.Errorf("incomplete record, missing %s", strings.Join(missing, ", "))
	}
	return result, nil
}
