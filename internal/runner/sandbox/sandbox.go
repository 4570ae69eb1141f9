// Package sandbox executes untrusted programs inside pre-built Linux
// containers, enforcing limits through cgroups and rlimits. It is the
// alternative to the bwrap backend on hosts where user namespaces and
// a writable cgroup hierarchy are available.
package sandbox

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/criyle/go-sandbox/container"
	"github.com/criyle/go-sandbox/pkg/cgroup"
	"github.com/criyle/go-sandbox/pkg/mount"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solvia/executor/internal/repository/dto"
	"github.com/solvia/executor/internal/runner"
)

func init() {
	// Must run before anything else in the process: when this binary is
	// re-executed as a container init it takes over here and never
	// returns.
	container.Init()
}

var (
	cgOnce sync.Once
	rootCG cgroup.Cgroup
	cgErr  error
)

// ensureRootCgroup sets up the shared parent cgroup lazily, so merely
// importing this package does not require cgroup access.
func ensureRootCgroup() error {
	cgOnce.Do(func() {
		if cgroup.DetectType() == cgroup.TypeV2 {
			cgroup.EnableV2Nesting()
		}
		ct, err := cgroup.GetAvailableController()
		if err != nil {
			cgErr = errors.Wrap(err, "detect cgroup controllers")
			return
		}
		rootCG, err = cgroup.New("executor", ct)
		if err != nil {
			cgErr = errors.Wrap(err, "create root cgroup")
		}
	})
	return cgErr
}

type Config struct {
	// PoolSize is the number of pre-built containers, NumCPU when zero.
	PoolSize     int
	LanguagesDir string
}

type containerEnv struct {
	container.Environment
	workDir string
}

// Runner executes requests on a pool of reusable containers. Each
// container serves one request at a time; its working tmpfs is reset
// between runs.
type Runner struct {
	cfg  Config
	log  *slog.Logger
	pool chan *containerEnv
}

var _ runner.Runner = (*Runner)(nil)

func New(cfg Config, log *slog.Logger) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if err := ensureRootCgroup(); err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg, log: log, pool: make(chan *containerEnv, cfg.PoolSize)}
	for i := 0; i < cfg.PoolSize; i++ {
		workDir, err := os.MkdirTemp("", "executor-container-")
		if err != nil {
			return nil, errors.Wrap(err, "create container root")
		}
		env, err := buildContainer(workDir)
		if err != nil {
			return nil, errors.Wrap(err, "build container")
		}
		r.pool <- &containerEnv{Environment: env, workDir: workDir}
	}

	log.Info("container runner ready", slog.Int("pool", cfg.PoolSize))
	return r, nil
}

func buildContainer(workDir string) (container.Environment, error) {
	mounts := mount.NewBuilder().
		WithBind("/bin", "bin", true).
		WithBind("/lib", "lib", true).
		WithBind("/lib64", "lib64", true).
		WithBind("/usr", "usr", true).
		WithBind("/etc/ld.so.cache", "etc/ld.so.cache", true).
		WithProc().
		WithBind("/dev/null", "dev/null", false).
		WithTmpfs("tmp", "size=128m,nr_inodes=4k").
		WithTmpfs("w", "size=32m,nr_inodes=4k").
		FilterNotExist()

	cloneFlags := unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWNS |
		unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS

	b := container.Builder{
		Root:          workDir,
		WorkDir:       workMountPoint,
		Mounts:        mounts.Mounts,
		Stderr:        os.Stderr,
		CredGenerator: newCredGen(),
		CloneFlags:    uintptr(cloneFlags),
	}
	return b.Build()
}

// Close destroys all idle containers. Containers still leased to a
// running request are left for their request to finish with.
func (r *Runner) Close() error {
	var firstErr error
	for i := 0; i < cap(r.pool); i++ {
		select {
		case c := <-r.pool:
			if err := c.Destroy(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := os.RemoveAll(c.workDir); err != nil && firstErr == nil {
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

	var env *containerEnv
	select {
	case env = <-r.pool:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for a free container")
	}
	defer func() { r.pool <- env }()

	r.log.Debug("request acquired container",
		slog.String("language", lang.Name),
		slog.Int("inputs", len(req.Inputs)))

	return runner.ExecuteRequest(ctx, &session{r: r, env: env}, lang, req), nil
}
