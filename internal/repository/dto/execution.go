package dto

import (
	"time"

	"github.com/pkg/errors"
)

// ExecutionStatus classifies the outcome of one input run. Exactly one
// status is assigned per result, picked by a fixed priority order when
// several conditions hold at once.
type ExecutionStatus string

const (
	StatusSuccess             ExecutionStatus = "SUCCESS"
	StatusCompileError        ExecutionStatus = "COMPILE_ERROR"
	StatusRuntimeError        ExecutionStatus = "RUNTIME_ERROR"
	StatusTimeLimitExceeded   ExecutionStatus = "TIME_LIMIT_EXCEEDED"
	StatusOverallTimeExceeded ExecutionStatus = "OVERALL_TIME_LIMIT_EXCEEDED"
	StatusMemoryLimitExceeded ExecutionStatus = "MEMORY_LIMIT_EXCEEDED"
	StatusOutputLimitExceeded ExecutionStatus = "OUTPUT_LIMIT_EXCEEDED"
	StatusInputLimitExceeded  ExecutionStatus = "INPUT_LIMIT_EXCEEDED"
	StatusInternalError       ExecutionStatus = "INTERNAL_ERROR"
)

// ResourceLimits is the immutable limit configuration for one request.
type ResourceLimits struct {
	// Wall-clock ceiling for a single input run.
	TimeLimit time.Duration
	// Wall-clock budget across all inputs of the request.
	OverallTimeLimit time.Duration
	MemoryLimit      int64 // KB
	MaxInputSize     int64 // KB
	MaxOutputSize    int64 // KB
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		TimeLimit:        5 * time.Second,
		OverallTimeLimit: 30 * time.Second,
		MemoryLimit:      256 * 1024,
		MaxInputSize:     2 * 1024,
		MaxOutputSize:    2 * 1024,
	}
}

func (l ResourceLimits) Validate() error {
	if l.TimeLimit <= 0 {
		return errors.New("time limit must be positive")
	}
	if l.OverallTimeLimit <= 0 {
		return errors.New("overall time limit must be positive")
	}
	if l.OverallTimeLimit < l.TimeLimit {
		return errors.New("overall time limit must not be below the per-run time limit")
	}
	if l.MemoryLimit <= 0 {
		return errors.New("memory limit must be positive")
	}
	if l.MaxInputSize <= 0 {
		return errors.New("max input size must be positive")
	}
	if l.MaxOutputSize <= 0 {
		return errors.New("max output size must be positive")
	}
	return nil
}

// TimeResult is the resource-usage record of one run as reported by the
// measurement wrapper. A nil *TimeResult means the record was never
// written or did not parse as a whole; partial records are not kept.
type TimeResult struct {
	Command                 string
	ElapsedTime             float64 // seconds
	UserCPUTime             float64 // seconds
	SystemCPUTime           float64 // seconds
	CPUPercentage           string
	AvgTotalMem             int64 // KB
	AvgSharedMem            int64 // KB
	AvgUnsharedData         int64 // KB
	AvgUnsharedStack        int64 // KB
	PageReclaims            int64
	PageFaults              int64
	Swaps                   int64
	BlockInputOps           int64
	BlockOutputOps          int64
	IPCMsgsSent             int64
	IPCMsgsReceived         int64
	SignalsReceived         int64
	VoluntaryCtxtSwitches   int64
	InvoluntaryCtxtSwitches int64
	MaxResidentSetSize      int64 // KB
	ExitStatus              int
}

// ExecutionRequest is one (source, inputs, limits) tuple submitted to a
// runner. Inputs are fed to the program on stdin, one run per input.
type ExecutionRequest struct {
	Language string
	Source   string
	Inputs   []string
	Limits   ResourceLimits
}

// ExecutionResult describes what happened to one input. Runners produce
// exactly one per input, in input order.
type ExecutionResult struct {
	// Command is the full argv that was executed, empty when the input
	// never reached the sandbox.
	Command []string
	Status  ExecutionStatus
	// ReturnCode is the raw process exit code, -1 when no process ran.
	ReturnCode      int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	// CompileTime is zero when the language has no compile stage.
	CompileTime time.Duration
	// ExecutionTime is zero when the input was never executed.
	ExecutionTime time.Duration
	ErrorInfo     string
	TimeResult    *TimeResult
}
