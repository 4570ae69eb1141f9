// Package bwrap executes untrusted programs under bubblewrap with
// rlimit and wall-clock enforcement, reading resource usage back from
// a measuring wrapper around every run.
package bwrap

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solvia/executor/internal/repository/dto"
	"github.com/solvia/executor/internal/runner"
	"github.com/solvia/executor/pkg/shell"
)

// wallGuardGrace is how long past the in-sandbox wall-clock guard the
// host watchdog waits before killing the whole process group. The
// guard normally fires first; the watchdog catches the case where it
// was stopped or never started.
const wallGuardGrace = 2 * time.Second

type Config struct {
	// WorkspaceRoot holds one instance directory per pool slot.
	// Defaults to a directory under the system temp dir.
	WorkspaceRoot string
	// Instances is the pool size, NumCPU when zero.
	Instances    int
	LanguagesDir string
	BwrapPath    string
	TimePath     string
	// Sandbox is the isolation policy. The zero value selects
	// DefaultSandboxConfig.
	Sandbox SandboxConfig
}

// Runner is the bubblewrap-backed sandbox runner. Each pool slot owns
// a private workspace; a request holds its slot from prepare to the
// last input run.
type Runner struct {
	cfg  Config
	log  *slog.Logger
	pool chan *workspace
}

var _ runner.Runner = (*Runner)(nil)

func New(cfg Config, log *slog.Logger) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "executor-instances")
	}
	if cfg.Instances <= 0 {
		cfg.Instances = runtime.NumCPU()
	}
	if cfg.BwrapPath == "" {
		cfg.BwrapPath = "bwrap"
	}
	if cfg.TimePath == "" {
		cfg.TimePath = "/usr/bin/time"
	}
	if cfg.Sandbox.Hostname == "" {
		cfg.Sandbox = DefaultSandboxConfig()
	}

	var err error
	if cfg.BwrapPath, err = resolveTool(cfg.BwrapPath); err != nil {
		return nil, err
	}
	if cfg.TimePath, err = resolveTool(cfg.TimePath); err != nil {
		return nil, err
	}
	for _, tool := range []string{"timeout", "prlimit"} {
		if _, err := shell.Lookup(tool); err != nil {
			return nil, err
		}
	}
	for name, path := range cfg.Sandbox.ExecutablePaths {
		if _, err := os.Stat(path); err != nil {
			log.Warn("executable path missing, skipping bind",
				slog.String("name", name), slog.String("path", path))
			delete(cfg.Sandbox.ExecutablePaths, name)
		}
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "create workspace root")
	}
	pool := make(chan *workspace, cfg.Instances)
	for i := 0; i < cfg.Instances; i++ {
		w, err := newWorkspace(cfg.WorkspaceRoot, i)
		if err != nil {
			return nil, err
		}
		pool <- w
	}

	log.Info("sandbox runner ready",
		slog.Int("instances", cfg.Instances),
		slog.String("bwrap", cfg.BwrapPath))
	return &Runner{cfg: cfg, log: log, pool: pool}, nil
}

// Close removes the workspaces of all idle instances. Instances still
// leased to a running request are left for their request to finish
// with.
func (r *Runner) Close() error {
	var firstErr error
	for i := 0; i < cap(r.pool); i++ {
		select {
		case w := <-r.pool:
			if err := os.RemoveAll(w.root); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
	return firstErr
}

func (r *Runner) Run(ctx context.Context, req *dto.ExecutionRequest) ([]dto.ExecutionResult, error) {
	if err := runner.ValidateRequest(req); err != nil {
		return nil, err
	}
	lang, err := runner.LoadLanguage(r.cfg.LanguagesDir, req.Language)
	if err != nil {
		return nil, err
	}

	var ws *workspace
	select {
	case ws = <-r.pool:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for a free instance")
	}
	defer func() { r.pool <- ws }()

	r.log.Debug("request acquired instance",
		slog.Int("instance", ws.id),
		slog.String("language", lang.Name),
		slog.Int("inputs", len(req.Inputs)))

	return runner.ExecuteRequest(ctx, &session{r: r, ws: ws}, lang, req), nil
}

func resolveTool(path string) (string, error) {
	if strings.ContainsRune(path, os.PathSeparator) {
		if _, err := os.Stat(path); err != nil {
			return "", errors.Wrapf(err, "tool %s", path)
		}
		return path, nil
	}
	return shell.Lookup(path)
}

// session drives one request on one leased workspace.
type session struct {
	r  *Runner
	ws *workspace
}

var _ runner.Session = (*session)(nil)

func (s *session) Prepare(lang *runner.Language, source string) error {
	if err := s.ws.reset(); err != nil {
		return err
	}
	return s.ws.writeSource(lang.SourceFile, source)
}

func (s *session) Compile(ctx context.Context, lang *runner.Language) (*runner.CompileOutcome, error) {
	if err := s.ws.resetBox(); err != nil {
		return nil, err
	}
	if err := s.ws.stageForCompile(lang); err != nil {
		return nil, err
	}
	args, err := lang.CompileArgs(lang.SourceFile, lang.Artifact)
	if err != nil {
		return nil, err
	}
	limits := dto.ResourceLimits{
		TimeLimit:        lang.CompileTimeLimit,
		OverallTimeLimit: lang.CompileTimeLimit,
		MemoryLimit:      lang.CompileMemoryLimit,
		MaxOutputSize:    lang.CompileMaxFileSize,
	}
	out, err := s.exec(ctx, args, limits, "", lang.Env)
	if err != nil {
		return nil, err
	}
	res := &runner.CompileOutcome{ReturnCode: out.ReturnCode, Stderr: out.Stderr, Duration: out.Elapsed}
	if res.ReturnCode == 0 {
		if err := s.ws.keepArtifact(lang); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *session) Exec(ctx context.Context, lang *runner.Language, limits dto.ResourceLimits, input string) (*runner.RunOutcome, error) {
	if err := s.ws.resetBox(); err != nil {
		return nil, err
	}
	if err := s.ws.stageForRun(lang); err != nil {
		return nil, err
	}
	args, err := lang.RunArgs(lang.SourceFile, lang.Artifact)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, args, limits, input, lang.Env)
}

// exec runs one fully wrapped command in the box and harvests exit
// code, capped output and the resource record.
func (s *session) exec(ctx context.Context, inner []string, limits dto.ResourceLimits, stdin string, extraEnv []string) (*runner.RunOutcome, error) {
	full := s.r.sandboxArgs(s.ws.boxDir(), extraEnv, inner, limits)
	s.r.log.Debug("sandbox command",
		slog.Int("instance", s.ws.id),
		slog.String("cmd", strings.Join(full, " ")))

	stdout, err := os.Create(s.ws.stdoutPath())
	if err != nil {
		return nil, errors.Wrap(err, "create stdout capture")
	}
	defer stdout.Close()
	stderr, err := os.Create(s.ws.stderrPath())
	if err != nil {
		return nil, errors.Wrap(err, "create stderr capture")
	}
	defer stderr.Close()

	runCtx, cancel := context.WithTimeout(ctx, limits.TimeLimit+wallGuardGrace)
	defer cancel()

	cmd := exec.CommandContext(runCtx, full[0], full[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so a kill reaches the guard binaries and the
	// program together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "run aborted")
	}
	watchdogFired := runCtx.Err() != nil

	var rc int
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, errors.Wrap(runErr, "start sandbox")
		}
		rc = exitCode(exitErr)
	}

	stdoutStr, stdoutSize, stdoutTrunc, err := readCapped(s.ws.stdoutPath(), limits.MaxOutputSize*1024)
	if err != nil {
		return nil, err
	}
	stderrStr, stderrSize, stderrTrunc, err := readCapped(s.ws.stderrPath(), limits.MaxOutputSize*1024)
	if err != nil {
		return nil, err
	}

	return &runner.RunOutcome{
		Command:         full,
		ReturnCode:      rc,
		Elapsed:         elapsed,
		Stdout:          stdoutStr,
		Stderr:          stderrStr,
		StdoutSize:      stdoutSize,
		StderrSize:      stderrSize,
		StdoutTruncated: stdoutTrunc,
		StderrTruncated: stderrTrunc,
		WallGuardKilled: watchdogFired || rc == 124,
		OOMKilled:       rc == 137,
		Metrics:         s.readMetrics(),
	}, nil
}

func (s *session) readMetrics() *dto.TimeResult {
	data, err := os.ReadFile(s.ws.timeOutputPath())
	if err != nil {
		s.r.log.Debug("run left no resource record", slog.Int("instance", s.ws.id))
		return nil
	}
	res, err := ParseTimeOutput(data)
	if err != nil {
		s.r.log.Warn("discarding resource record",
			slog.Int("instance", s.ws.id),
			slog.String("error", err.Error()))
		return nil
	}
	return res
}

// exitCode keeps the shell convention for signal deaths: the plain
// code when the process exited, 128+signal when a signal killed it.
func exitCode(err *exec.ExitError) int {
	if st, ok := err.Sys().(syscall.WaitStatus); ok && st.Signaled() {
		return 128 + int(st.Signal())
	}
	return err.ExitCode()
}

// readCapped reads a capture file, returning at most capBytes of it
// along with the size the program actually wrote.
func readCapped(path string, capBytes int64) (string, int64, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, false, errors.Wrap(err, "read capture")
	}
	size := int64(len(data))
	if size > capBytes {
		return string(data[:capBytes]), size, true, nil
	}
	return string(data), size, false, nil
}
