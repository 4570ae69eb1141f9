package bwrap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/solvia/executor/internal/repository/dto"
)

// boxMountPoint is where the instance's box directory appears inside
// the sandbox; every run starts with it as the working directory.
const boxMountPoint = "/app"

// BindMount maps a host path read-only into the sandbox.
type BindMount struct {
	Source string
	Target string
}

// SandboxConfig is the isolation policy of one runner instance. It is
// fixed at construction time; per-run variation comes only from the
// request limits and the language environment.
type SandboxConfig struct {
	// BindMounts are applied in order before the workspace bind.
	BindMounts []BindMount
	// TmpfsPaths get a fresh empty tmpfs for every run.
	TmpfsPaths []string
	UseProc    bool
	UseDev     bool
	Hostname   string
	Env        map[string]string
	// FsizeFactor scales max_output_size into the file-size rlimit,
	// leaving slack for filesystem metadata overhead.
	FsizeFactor float64
	// ExecutablePaths are host files mounted into the box under the
	// given names, for tools the run needs beyond the system binds.
	ExecutablePaths map[string]string
}

// DefaultSandboxConfig exposes the usual system directories read-only
// and nothing else.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		BindMounts: []BindMount{
			{"/usr", "/usr"}, {"/lib", "/lib"}, {"/lib64", "/lib64"},
			{"/bin", "/bin"}, {"/sbin", "/sbin"}, {"/etc", "/etc"}, {"/home", "/home"},
		},
		TmpfsPaths:  []string{"/tmp"},
		UseProc:     true,
		UseDev:      true,
		Hostname:    "sandbox",
		Env:         map[string]string{"PATH": "/usr/bin"},
		FsizeFactor: 1.1,
	}
}

// sandboxArgs builds the full host argv for one run. Layering, from
// the outside in: bwrap isolation, prlimit address-space and file-size
// caps, the wall-clock guard, the measuring wrapper, the program.
func (r *Runner) sandboxArgs(hostBox string, extraEnv []string, inner []string, limits dto.ResourceLimits) []string {
	cfg := r.cfg.Sandbox

	wrapped := wrapWithTime(r.cfg.TimePath, boxMountPoint+"/"+timeOutputFile, inner)
	wrapped = wrapWithTimeout(limits.TimeLimit, wrapped)
	fsizeKB := int64(float64(limits.MaxOutputSize) * cfg.FsizeFactor)
	wrapped = wrapWithPrlimit(limits.MemoryLimit, fsizeKB, wrapped)

	cmd := []string{r.cfg.BwrapPath, "--unshare-all", "--die-with-parent"}
	for _, m := range cfg.BindMounts {
		cmd = append(cmd, "--ro-bind", m.Source, m.Target)
	}
	cmd = append(cmd, "--bind", hostBox, boxMountPoint, "--chdir", boxMountPoint)
	for _, name := range sortedKeys(cfg.ExecutablePaths) {
		cmd = append(cmd, "--bind", cfg.ExecutablePaths[name], boxMountPoint+"/"+name)
	}
	for _, t := range cfg.TmpfsPaths {
		cmd = append(cmd, "--tmpfs", t)
	}
	if cfg.UseProc {
		cmd = append(cmd, "--proc", "/proc")
	}
	if cfg.UseDev {
		cmd = append(cmd, "--dev", "/dev")
	}
	cmd = append(cmd, "--hostname", cfg.Hostname)
	for _, k := range sortedKeys(cfg.Env) {
		cmd = append(cmd, "--setenv", k, cfg.Env[k])
	}
	for _, kv := range extraEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cmd = append(cmd, "--setenv", k, v)
		}
	}
	cmd = append(cmd, "--")
	return append(cmd, wrapped...)
}

func wrapWithTime(timePath, outputFile string, inner []string) []string {
	return append([]string{timePath, "-f", timeFormat, "-o", outputFile}, inner...)
}

func wrapWithTimeout(limit time.Duration, inner []string) []string {
	secs := strconv.FormatFloat(limit.Seconds(), 'f', -1, 64)
	return append([]string{"timeout", "--foreground", secs + "s"}, inner...)
}

func wrapWithPrlimit(memoryKB, fsizeKB int64, inner []string) []string {
	return append([]string{
		"prlimit",
		fmt.Sprintf("--as=%d", memoryKB*1024),
		fmt.Sprintf("--fsize=%d", fsizeKB*1024),
		"--",
	}, inner...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
