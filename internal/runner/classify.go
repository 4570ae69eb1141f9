package runner

import (
	"fmt"
	"time"

	"github.com/solvia/executor/internal/repository/dto"
)

// RunOutcome is what a sandbox backend reports for one executed input.
type RunOutcome struct {
	Command    []string
	ReturnCode int
	Elapsed    time.Duration
	Stdout     string
	Stderr     string
	// Sizes in bytes as written by the process, before truncation.
	StdoutSize      int64
	StderrSize      int64
	StdoutTruncated bool
	StderrTruncated bool
	// WallGuardKilled is set when the wall-clock guard terminated the
	// run (exit code 124 from the guard, or the backend watchdog fired).
	WallGuardKilled bool
	// OOMKilled is set when the process group died from SIGKILL, the
	// signature of the kernel OOM killer or the address-space limit.
	OOMKilled bool
	Metrics   *dto.TimeResult
}

// CompileOutcome reports the compile stage of a request.
type CompileOutcome struct {
	ReturnCode int
	Stderr     string
	Duration   time.Duration
}

// Classify maps one run outcome to its status by fixed priority: time,
// overall budget, memory, output size, exit code. First match wins;
// the order is a contract because several conditions can hold at once.
// cumulative is the elapsed total of the inputs executed before this
// one. The second return is the human-readable explanation, empty on
// success.
func Classify(out *RunOutcome, limits dto.ResourceLimits, cumulative time.Duration) (dto.ExecutionStatus, string) {
	if out.WallGuardKilled || out.Elapsed >= limits.TimeLimit {
		return dto.StatusTimeLimitExceeded,
			fmt.Sprintf("Time limit exceeded. Execution time: %.2f seconds.", out.Elapsed.Seconds())
	}
	if cumulative+out.Elapsed >= limits.OverallTimeLimit {
		return dto.StatusOverallTimeExceeded,
			fmt.Sprintf("Overall time limit exceeded after %.2f seconds.", (cumulative + out.Elapsed).Seconds())
	}
	if out.OOMKilled || (out.Metrics != nil && out.Metrics.MaxResidentSetSize >= limits.MemoryLimit) {
		peak := "unknown"
		if out.Metrics != nil && out.Metrics.MaxResidentSetSize > 0 {
			peak = fmt.Sprintf("%d", out.Metrics.MaxResidentSetSize)
		}
		return dto.StatusMemoryLimitExceeded,
			fmt.Sprintf("Memory limit exceeded. Peak memory: %s KB.", peak)
	}
	if out.StdoutTruncated {
		return dto.StatusOutputLimitExceeded,
			fmt.Sprintf("Standard output too large. Size: %.2f KB.", float64(out.StdoutSize)/1024)
	}
	if out.StderrTruncated {
		return dto.StatusOutputLimitExceeded,
			fmt.Sprintf("Standard error too large. Size: %.2f KB.", float64(out.StderrSize)/1024)
	}
	if out.ReturnCode != 0 {
		return dto.StatusRuntimeError,
			fmt.Sprintf("Unknown runtime error. Return code: %d. stderr: %s", out.ReturnCode, out.Stderr)
	}
	return dto.StatusSuccess, ""
}
