package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/solvia/executor/internal/repository/dto"
)

// Session is one acquired sandbox instance serving a single request.
// A session owns one workspace; calls are strictly sequential, the
// pipeline never issues two stages concurrently against it.
type Session interface {
	// Prepare empties the workspace and materializes the source file.
	Prepare(lang *Language, source string) error
	// Compile runs the language's compile command inside the sandbox
	// under the language's compile limits, keeping the artifact for the
	// following runs. Only called when lang.Compiled().
	Compile(ctx context.Context, lang *Language) (*CompileOutcome, error)
	// Exec resets the run directory and executes one input. The error
	// return means the sandbox itself failed, not the program.
	Exec(ctx context.Context, lang *Language, limits dto.ResourceLimits, input string) (*RunOutcome, error)
}

// ExecuteRequest drives one request through a session: input-size
// pre-check, prepare, optional compile, then one run per input under
// the shared overall time budget. It always returns exactly
// len(req.Inputs) results, in input order.
func ExecuteRequest(ctx context.Context, sess Session, lang *Language, req *dto.ExecutionRequest) []dto.ExecutionResult {
	limits := req.Limits
	results := make([]dto.ExecutionResult, len(req.Inputs))

	oversized := make([]bool, len(req.Inputs))
	for i, input := range req.Inputs {
		oversized[i] = int64(len(input)) > limits.MaxInputSize*1024
	}

	if err := sess.Prepare(lang, req.Source); err != nil {
		return fillInternal(results, 0, 0, "failed to prepare workspace", err)
	}

	var compileTime time.Duration
	if lang.Compiled() {
		out, err := sess.Compile(ctx, lang)
		if err != nil {
			return fillInternal(results, 0, 0, "failed to run compiler", err)
		}
		compileTime = out.Duration
		if out.ReturnCode != 0 {
			info := fmt.Sprintf("Compilation failed. Return code: %d. Stderr: %s", out.ReturnCode, out.Stderr)
			for i := range results {
				results[i] = dto.ExecutionResult{
					Status:      dto.StatusCompileError,
					ReturnCode:  -1,
					CompileTime: compileTime,
					ErrorInfo:   info,
				}
			}
			return results
		}
	}

	var cumulative time.Duration
	for i, input := range req.Inputs {
		if oversized[i] {
			results[i] = dto.ExecutionResult{
				Status:      dto.StatusInputLimitExceeded,
				ReturnCode:  -1,
				CompileTime: compileTime,
				ErrorInfo:   "Input too large.",
			}
			continue
		}
		// A run is only started when a full time_limit still fits into
		// the overall budget; otherwise nothing is executed for this
		// input or any later one.
		if cumulative+limits.TimeLimit > limits.OverallTimeLimit {
			results[i] = dto.ExecutionResult{
				Status:      dto.StatusOverallTimeExceeded,
				ReturnCode:  -1,
				CompileTime: compileTime,
				ErrorInfo:   "Skipped due to overall time limit exceeded.",
			}
			continue
		}

		out, err := sess.Exec(ctx, lang, limits, input)
		if err != nil {
			return fillInternal(results, i, compileTime, "sandbox run failed", err)
		}
		status, info := Classify(out, limits, cumulative)
		cumulative += out.Elapsed
		results[i] = dto.ExecutionResult{
			Command:         out.Command,
			Status:          status,
			ReturnCode:      out.ReturnCode,
			Stdout:          out.Stdout,
			Stderr:          out.Stderr,
			StdoutTruncated: out.StdoutTruncated,
			StderrTruncated: out.StderrTruncated,
			CompileTime:     compileTime,
			ExecutionTime:   out.Elapsed,
			ErrorInfo:       info,
			TimeResult:      out.Metrics,
		}
	}
	return results
}

// fillInternal marks results[from:] as INTERNAL_ERROR. Sandbox-level
// faults are request-fatal: every input not yet decided gets the same
// status and diagnostic.
func fillInternal(results []dto.ExecutionResult, from int, compileTime time.Duration, msg string, err error) []dto.ExecutionResult {
	info := fmt.Sprintf("Internal error: %s: %v", msg, err)
	for i := from; i < len(results); i++ {
		results[i] = dto.ExecutionResult{
			Status:      dto.StatusInternalError,
			ReturnCode:  -1,
			CompileTime: compileTime,
			ErrorInfo:   info,
		}
	}
	return results
}
