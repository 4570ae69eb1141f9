package runner

import (
	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/repository/dto"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
	ErrInvalidRequest   = errors.New("invalid execution request")
)

// ValidateRequest rejects requests a runner must not accept, before any
// sandbox work is attempted.
func ValidateRequest(req *dto.ExecutionRequest) error {
	if req == nil {
		return errors.Wrap(ErrInvalidRequest, "request is nil")
	}
	if req.Language == "" {
		return errors.Wrap(ErrInvalidRequest, "language is empty")
	}
	if req.Source == "" {
		return errors.Wrap(ErrInvalidRequest, "source is empty")
	}
	if err := req.Limits.Validate(); err != nil {
		return errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return nil
}
