package runner

import (
	"context"

	"github.com/solvia/executor/internal/repository/dto"
)

type Runner interface {
	// Run executes the request's source against every input in order and
	// returns one result per input, always len(req.Inputs) of them. The
	// error return covers caller mistakes only (unknown language, invalid
	// limits); faults of the sandboxed program or of the sandbox itself
	// are reported inside the results.
	Run(ctx context.Context, req *dto.ExecutionRequest) ([]dto.ExecutionResult, error)
}
