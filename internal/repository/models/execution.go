package models

// ExecutionJob is the queue message requesting one execution. Source
// and inputs come either inline or as object-storage keys; keys win
// when both are present. Limit overrides of zero fall back to the
// service defaults.
type ExecutionJob struct {
	Id        string   `json:"id"`
	Language  string   `json:"language"`
	Source    string   `json:"source,omitempty"`
	SourceKey string   `json:"source_key,omitempty"`
	Inputs    []string `json:"inputs,omitempty"`
	InputKeys []string `json:"input_keys,omitempty"`

	TimeLimitMS        int64 `json:"time_limit_ms,omitempty"`
	OverallTimeLimitMS int64 `json:"overall_time_limit_ms,omitempty"`
	MemoryLimitKB      int64 `json:"memory_limit_kb,omitempty"`
	MaxInputSizeKB     int64 `json:"max_input_size_kb,omitempty"`
	MaxOutputSizeKB    int64 `json:"max_output_size_kb,omitempty"`
}

// ExecutionReport is the queue message answering one job. Status is
// the aggregate over all runs: SUCCESS only when every run succeeded,
// otherwise the status of the first failed run. Error is set when the
// job was rejected before any run happened.
type ExecutionReport struct {
	Id      string      `json:"id"`
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
	Results []RunReport `json:"results"`
}

type RunReport struct {
	Command         []string    `json:"command,omitempty"`
	Status          string      `json:"status"`
	ReturnCode      int         `json:"return_code"`
	Stdout          string      `json:"stdout,omitempty"`
	Stderr          string      `json:"stderr,omitempty"`
	StdoutTruncated bool        `json:"stdout_truncated,omitempty"`
	StderrTruncated bool        `json:"stderr_truncated,omitempty"`
	CompileTimeMS   int64       `json:"compile_time_ms,omitempty"`
	ExecutionTimeMS int64       `json:"execution_time_ms,omitempty"`
	ErrorInfo       string      `json:"error_info,omitempty"`
	Metrics         *RunMetrics `json:"metrics,omitempty"`
}

// RunMetrics is the wire form of the resource-usage record.
type RunMetrics struct {
	Command                 string  `json:"command,omitempty"`
	ElapsedTime             float64 `json:"elapsed_time"`
	UserCPUTime             float64 `json:"user_cpu_time"`
	SystemCPUTime           float64 `json:"system_cpu_time"`
	CPUPercentage           string  `json:"cpu_percentage,omitempty"`
	AvgTotalMem             int64   `json:"avg_total_mem"`
	AvgSharedMem            int64   `json:"avg_shared_mem"`
	AvgUnsharedData         int64   `json:"avg_unshared_data"`
	AvgUnsharedStack        int64   `json:"avg_unshared_stack"`
	PageReclaims            int64   `json:"page_reclaims"`
	PageFaults              int64   `json:"page_faults"`
	Swaps                   int64   `json:"swaps"`
	BlockInputOps           int64   `json:"block_input_ops"`
	BlockOutputOps          int64   `json:"block_output_ops"`
	IPCMsgsSent             int64   `json:"ipc_msgs_sent"`
	IPCMsgsReceived         int64   `json:"ipc_msgs_received"`
	SignalsReceived         int64   `json:"signals_received"`
	VoluntaryCtxtSwitches   int64   `json:"voluntary_ctxt_switches"`
	InvoluntaryCtxtSwitches int64   `json:"involuntary_ctxt_switches"`
	MaxResidentSetSize      int64   `json:"max_resident_set_size"`
	ExitStatus              int     `json:"exit_status"`
}
