package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Result holds the outcome of a host command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes a command on the host and captures its output. A
// non-zero exit is reported through Result.ExitCode, not through err.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "run %s", name)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// Lookup reports whether the named binary is present on PATH, returning
// its resolved location.
func Lookup(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "%s not found", name)
	}
	return path, nil
}
