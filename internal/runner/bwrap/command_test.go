package bwrap

import (
	"reflect"
	"testing"
	"time"

	"github.com/solvia/executor/internal/repository/dto"
)

func testRunner(cfg SandboxConfig) *Runner {
	return &Runner{cfg: Config{
		BwrapPath: "/usr/bin/bwrap",
		TimePath:  "/usr/bin/time",
		Sandbox:   cfg,
	}}
}

func TestSandboxArgsLayering(t *testing.T) {
	r := testRunner(DefaultSandboxConfig())
	limits := dto.ResourceLimits{
		TimeLimit:     1500 * time.Millisecond,
		MemoryLimit:   256 * 1024,
		MaxOutputSize: 2048,
	}

	got := r.sandboxArgs("/ws/box", []string{"GOCACHE=/tmp/gocache"}, []string{"python3", "main.py"}, limits)

	want := []string{
		"/usr/bin/bwrap", "--unshare-all", "--die-with-parent",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/sbin", "/sbin",
		"--ro-bind", "/etc", "/etc",
		"--ro-bind", "/home", "/home",
		"--bind", "/ws/box", "/app", "--chdir", "/app",
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
		"--hostname", "sandbox",
		"--setenv", "PATH", "/usr/bin",
		"--setenv", "GOCACHE", "/tmp/gocache",
		"--",
		"prlimit", "--as=268435456", "--fsize=2306048", "--",
		"timeout", "--foreground", "1.5s",
		"/usr/bin/time", "-f", timeFormat, "-o", "/app/time_output.txt",
		"python3", "main.py",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv mismatch\n got %q\nwant %q", got, want)
	}
}

func TestSandboxArgsExecutablePathsSorted(t *testing.T) {
	cfg := SandboxConfig{
		Hostname:    "sandbox",
		FsizeFactor: 1.1,
		ExecutablePaths: map[string]string{
			"py": "/opt/py",
			"go": "/opt/go",
		},
	}
	r := testRunner(cfg)
	got := r.sandboxArgs("/ws/box", nil, []string{"true"}, dto.ResourceLimits{
		TimeLimit: time.Second, MemoryLimit: 1024, MaxOutputSize: 10,
	})

	var binds []string
	for i := 0; i+2 < len(got); i++ {
		if got[i] == "--bind" && got[i+1] != "/ws/box" {
			binds = append(binds, got[i+1], got[i+2])
		}
	}
	want := []string{"/opt/go", "/app/go", "/opt/py", "/app/py"}
	if !reflect.DeepEqual(binds, want) {
		t.Errorf("executable binds %q, want %q", binds, want)
	}
}

func TestSandboxArgsEnvSorted(t *testing.T) {
	cfg := SandboxConfig{
		Hostname:    "sandbox",
		FsizeFactor: 1.1,
		Env:         map[string]string{"PATH": "/usr/bin", "LANG": "C"},
	}
	r := testRunner(cfg)
	got := r.sandboxArgs("/ws/box", nil, []string{"true"}, dto.ResourceLimits{
		TimeLimit: time.Second, MemoryLimit: 1024, MaxOutputSize: 10,
	})

	var env []string
	for i := 0; i+2 < len(got); i++ {
		if got[i] == "--setenv" {
			env = append(env, got[i+1]+"="+got[i+2])
		}
	}
	want := []string{"LANG=C", "PATH=/usr/bin"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("env %q, want %q", env, want)
	}
}

func TestWrapWithTimeoutFormatting(t *testing.T) {
	tests := []struct {
		limit time.Duration
		want  string
	}{
		{2 * time.Second, "2s"},
		{1500 * time.Millisecond, "1.5s"},
		{100 * time.Millisecond, "0.1s"},
	}
	for _, tt := range tests {
		got := wrapWithTimeout(tt.limit, []string{"true"})
		if got[2] != tt.want {
			t.Errorf("timeout arg for %v = %q, want %q", tt.limit, got[2], tt.want)
		}
	}
}

func TestWrapWithPrlimitMath(t *testing.T) {
	got := wrapWithPrlimit(262144, 2252, []string{"true"})
	if got[1] != "--as=268435456" {
		t.Errorf("address space arg %q", got[1])
	}
	if got[2] != "--fsize=2306048" {
		t.Errorf("fsize arg %q", got[2])
	}
}
