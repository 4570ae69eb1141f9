package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/container"
	"github.com/criyle/go-sandbox/pkg/rlimit"
	sbrunner "github.com/criyle/go-sandbox/runner"
	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/repository/dto"
	"github.com/solvia/executor/internal/runner"
	"github.com/solvia/executor/pkg/utils"
)

// workMountPoint is the writable tmpfs every run starts in.
const workMountPoint = "/w"

const defaultPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// session drives one request on one leased container. The artifact is
// harvested to host memory after the compile stage because the
// container's working tmpfs is reset before every run.
type session struct {
	r        *Runner
	env      *containerEnv
	artifact []byte
	source   []byte
}

var _ runner.Session = (*session)(nil)

func (s *session) Prepare(lang *runner.Language, source string) error {
	if err := s.env.Ping(); err != nil {
		return errors.Wrap(err, "ping container")
	}
	if err := s.env.Reset(); err != nil {
		return errors.Wrap(err, "reset container")
	}
	s.source = []byte(source)
	s.artifact = nil
	return s.writeFile(lang.SourceFile, s.source, 0o644)
}

func (s *session) Compile(ctx context.Context, lang *runner.Language) (*runner.CompileOutcome, error) {
	args, err := lang.CompileArgs(lang.SourceFile, lang.Artifact)
	if err != nil {
		return nil, err
	}
	raw, err := s.r.execute(ctx, s.env, runSpec{
		args:        args,
		env:         lang.Env,
		timeLimit:   lang.CompileTimeLimit,
		memoryKB:    lang.CompileMemoryLimit,
		outputCapKB: lang.CompileMaxFileSize,
	})
	if err != nil {
		return nil, err
	}

	out := &runner.CompileOutcome{
		ReturnCode: rcFromResult(raw),
		Stderr:     string(raw.stderr),
		Duration:   raw.wall,
	}
	if out.ReturnCode == 0 && raw.status != sbrunner.StatusNormal {
		out.ReturnCode = -1
	}
	if out.ReturnCode == 0 {
		if s.artifact, err = s.readFile(lang.Artifact); err != nil {
			return nil, errors.Wrap(err, "harvest compile artifact")
		}
	}
	return out, nil
}

func (s *session) Exec(ctx context.Context, lang *runner.Language, limits dto.ResourceLimits, input string) (*runner.RunOutcome, error) {
	if err := s.env.Reset(); err != nil {
		return nil, errors.Wrap(err, "reset container")
	}
	if lang.Compiled() {
		if err := s.writeFile(lang.Artifact, s.artifact, 0o755); err != nil {
			return nil, err
		}
	} else {
		if err := s.writeFile(lang.SourceFile, s.source, 0o644); err != nil {
			return nil, err
		}
	}

	args, err := lang.RunArgs(lang.SourceFile, lang.Artifact)
	if err != nil {
		return nil, err
	}
	raw, err := s.r.execute(ctx, s.env, runSpec{
		args:        args,
		env:         lang.Env,
		stdin:       input,
		timeLimit:   limits.TimeLimit,
		memoryKB:    limits.MemoryLimit,
		outputCapKB: limits.MaxOutputSize,
	})
	if err != nil {
		return nil, err
	}

	rc := rcFromResult(raw)
	capBytes := limits.MaxOutputSize * 1024
	stdout, stdoutTrunc := capBuffer(raw.stdout, capBytes)
	stderr, stderrTrunc := capBuffer(raw.stderr, capBytes)

	return &runner.RunOutcome{
		Command:         args,
		ReturnCode:      rc,
		Elapsed:         raw.wall,
		Stdout:          stdout,
		Stderr:          stderr,
		StdoutSize:      raw.stdoutBytes,
		StderrSize:      raw.stderrBytes,
		StdoutTruncated: stdoutTrunc,
		StderrTruncated: stderrTrunc,
		WallGuardKilled: raw.status == sbrunner.StatusTimeLimitExceeded && raw.wall >= limits.TimeLimit,
		OOMKilled:       raw.status == sbrunner.StatusMemoryLimitExceeded,
		Metrics:         synthesizeMetrics(args, raw, rc),
	}, nil
}

func (s *session) writeFile(name string, data []byte, perm os.FileMode) error {
	files, err := s.env.Open([]container.OpenCmd{
		{Path: workMountPoint + "/" + name, Flag: os.O_WRONLY | os.O_CREATE | os.O_TRUNC, Perm: perm},
	})
	if err != nil {
		return errors.Wrapf(err, "open %s in container", name)
	}
	defer files[0].Close()
	if _, err := files[0].Write(data); err != nil {
		return errors.Wrapf(err, "write %s in container", name)
	}
	return nil
}

func (s *session) readFile(name string) ([]byte, error) {
	files, err := s.env.Open([]container.OpenCmd{
		{Path: workMountPoint + "/" + name, Flag: os.O_RDONLY},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s in container", name)
	}
	defer files[0].Close()
	data, err := io.ReadAll(files[0])
	return data, errors.Wrapf(err, "read %s in container", name)
}

type runSpec struct {
	args        []string
	env         []string
	stdin       string
	timeLimit   time.Duration
	memoryKB    int64
	outputCapKB int64
}

type rawResult struct {
	status      sbrunner.Status
	exitStatus  int
	wall        time.Duration
	cpu         time.Duration
	memoryKB    int64
	stdout      []byte
	stderr      []byte
	stdoutBytes int64
	stderrBytes int64
}

// execute runs one command in the container under a per-run cgroup.
// The cgroup gives the peak-memory and CPU readings; rlimits and the
// context deadline enforce the caps.
func (r *Runner) execute(ctx context.Context, env *containerEnv, spec runSpec) (*rawResult, error) {
	cg, err := rootCG.Random("run")
	if err != nil {
		return nil, errors.Wrap(err, "create run cgroup")
	}
	defer cg.Destroy()

	if spec.memoryKB > 0 {
		_ = cg.SetMemoryLimit(uint64(spec.memoryKB * 1024))
	}
	cgDir, err := cg.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open run cgroup")
	}
	defer cgDir.Close()

	runCtx, cancel := context.WithTimeout(ctx, spec.timeLimit)
	defer cancel()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}

	var stdout, stderr bytes.Buffer
	var stdoutN, stderrN int64
	capBytes := spec.outputCapKB * 1024
	wg := new(sync.WaitGroup)
	// The readers are only started once the child actually exists;
	// when the handshake never happens, wg stays at zero and the Wait
	// below falls through.
	syncFunc := func(pid int) error {
		if err := cg.AddProc(pid); err != nil {
			return err
		}
		wg.Add(2)
		go pipeWriter(runCtx, stdinW, spec.stdin)
		go pipeReader(wg, runCtx, cancel, stdoutR, &stdout, capBytes, &stdoutN)
		go pipeReader(wg, runCtx, cancel, stderrR, &stderr, capBytes, &stderrN)
		return nil
	}

	rlims := rlimit.RLimits{
		CPU:      uint64(spec.timeLimit.Seconds()) + 1,
		CPUHard:  uint64(spec.timeLimit.Seconds()) + 2,
		FileSize: uint64(capBytes),
		Stack:    128 * 1024 * 1024,
		Data:     uint64(spec.memoryKB * 1024),
		OpenFile: 2048,
	}

	start := time.Now()
	res := env.Execve(runCtx, container.ExecveParam{
		Args:     spec.args,
		Env:      append([]string{defaultPath}, spec.env...),
		Files:    []uintptr{stdinR.Fd(), stdoutW.Fd(), stderrW.Fd()},
		RLimits:  rlims.PrepareRLimit(),
		SyncFunc: syncFunc,
		CgroupFD: cgDir.Fd(),
	})
	wall := time.Since(start)

	stdinR.Close()
	stdinW.Close()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()
	stdoutR.Close()
	stderrR.Close()

	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "run aborted")
	}
	if res.Status == sbrunner.StatusRunnerError {
		return nil, errors.Errorf("container runner: %s", res.Error)
	}

	raw := &rawResult{
		status:      res.Status,
		exitStatus:  res.ExitStatus,
		wall:        wall,
		cpu:         res.Time,
		memoryKB:    utils.KB(int64(res.Memory)),
		stdout:      stdout.Bytes(),
		stderr:      stderr.Bytes(),
		stdoutBytes: atomic.LoadInt64(&stdoutN),
		stderrBytes: atomic.LoadInt64(&stderrN),
	}
	if cpu, err := cg.CPUUsage(); err == nil {
		raw.cpu = time.Duration(cpu)
	}
	if mem, err := cg.MemoryMaxUsage(); err == nil {
		raw.memoryKB = utils.KB(int64(mem))
	}

	r.log.Debug("container execution finished",
		slog.String("status", raw.status.String()),
		slog.Int("exit", raw.exitStatus),
		slog.Int64("memory_kb", raw.memoryKB),
		slog.Duration("wall", raw.wall))
	return raw, nil
}

// rcFromResult keeps the shell convention used by the other backend:
// plain exit codes pass through, signal deaths become 128+signal.
func rcFromResult(raw *rawResult) int {
	switch raw.status {
	case sbrunner.StatusNormal, sbrunner.StatusNonzeroExitStatus:
		return raw.exitStatus
	case sbrunner.StatusSignalled,
		sbrunner.StatusTimeLimitExceeded,
		sbrunner.StatusMemoryLimitExceeded,
		sbrunner.StatusOutputLimitExceeded:
		return 128 + raw.exitStatus
	default:
		return -1
	}
}

// synthesizeMetrics builds the resource record from cgroup readings.
// Fields the cgroup cannot measure, such as page-fault and context
// switch counters, read zero.
func synthesizeMetrics(args []string, raw *rawResult, rc int) *dto.TimeResult {
	res := &dto.TimeResult{
		Command:            strings.Join(args, " "),
		ElapsedTime:        raw.wall.Seconds(),
		UserCPUTime:        raw.cpu.Seconds(),
		MaxResidentSetSize: raw.memoryKB,
		ExitStatus:         rc,
	}
	if raw.wall > 0 {
		res.CPUPercentage = fmt.Sprintf("%.0f%%", raw.cpu.Seconds()/raw.wall.Seconds()*100)
	} else {
		res.CPUPercentage = "?%"
	}
	return res
}

func capBuffer(data []byte, capBytes int64) (string, bool) {
	if int64(len(data)) > capBytes {
		return string(data[:capBytes]), true
	}
	return string(data), false
}

func pipeReader(wg *sync.WaitGroup, ctx context.Context, cancel context.CancelFunc, pipe *os.File, out io.Writer, maxSize int64, copied *int64) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, err := io.CopyN(out, pipe, 1024)
			atomic.AddInt64(copied, n)
			if maxSize > 0 && atomic.LoadInt64(copied) > maxSize {
				cancel()
				return
			}
			if err != nil {
				return
			}
		}
	}
}

func pipeWriter(ctx context.Context, pipe *os.File, in string) {
	defer pipe.Close()
	reader := strings.NewReader(in)
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			io.CopyBuffer(pipe, reader, buf)
			if reader.Len() == 0 {
				return
			}
		}
	}
}

type credGen struct {
	cur uint32
}

func newCredGen() *credGen {
	return &credGen{cur: 10000}
}

func (c *credGen) Get() syscall.Credential {
	n := atomic.AddUint32(&c.cur, 1)
	return syscall.Credential{Uid: n, Gid: n}
}
