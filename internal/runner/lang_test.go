package runner

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func writeLanguageConfig(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadLanguageInterpreted(t *testing.T) {
	root := t.TempDir()
	writeLanguageConfig(t, root, "python", `{
		"source_file": "main.py",
		"run": "python3 {source}"
	}`)

	lang, err := LoadLanguage(root, "python")
	if err != nil {
		t.Fatal(err)
	}
	if lang.Name != "python" {
		t.Errorf("name %q", lang.Name)
	}
	if lang.Compiled() {
		t.Error("language without a compile command reported as compiled")
	}
	if lang.CompileTimeLimit != 10*time.Second {
		t.Errorf("default compile time limit %v", lang.CompileTimeLimit)
	}
	if lang.CompileMemoryLimit != 512*1024 {
		t.Errorf("default compile memory limit %d", lang.CompileMemoryLimit)
	}
	if lang.CompileMaxFileSize != 10*1024 {
		t.Errorf("default compile file size %d", lang.CompileMaxFileSize)
	}
}

func TestLoadLanguageCompiled(t *testing.T) {
	root := t.TempDir()
	writeLanguageConfig(t, root, "cpp", `{
		"source_file": "main.cpp",
		"artifact": "app",
		"compile": "g++ -O2 -o {artifact} {source}",
		"run": "./{artifact}",
		"compile_time_limit_ms": 20000,
		"compile_memory_limit_kb": 1048576,
		"compile_max_file_size_kb": 51200,
		"env": ["CPATH=/usr/include"]
	}`)

	lang, err := LoadLanguage(root, "cpp")
	if err != nil {
		t.Fatal(err)
	}
	if !lang.Compiled() {
		t.Fatal("compiled language not recognized")
	}
	if lang.CompileTimeLimit != 20*time.Second {
		t.Errorf("compile time limit %v, want 20s", lang.CompileTimeLimit)
	}
	if lang.CompileMemoryLimit != 1048576 {
		t.Errorf("compile memory limit %d", lang.CompileMemoryLimit)
	}
	if len(lang.Env) != 1 || lang.Env[0] != "CPATH=/usr/include" {
		t.Errorf("env %v", lang.Env)
	}
}

func TestLoadLanguageMissing(t *testing.T) {
	_, err := LoadLanguage(t.TempDir(), "cobol")
	if !errors.Is(err, ErrLanguageNotFound) {
		t.Fatalf("err = %v, want ErrLanguageNotFound", err)
	}
}

func TestLoadLanguageRejectsIncompleteConfigs(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no source file", `{"run": "python3 {source}"}`},
		{"no run command", `{"source_file": "main.py"}`},
		{"compiled without artifact", `{"source_file": "main.c", "compile": "cc {source}", "run": "./a.out"}`},
		{"broken json", `{"source_file": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeLanguageConfig(t, root, "bad", tt.body)
			if _, err := LoadLanguage(root, "bad"); err == nil {
				t.Error("config accepted")
			}
		})
	}
}

func TestCommandTemplateExpansion(t *testing.T) {
	lang := &Language{
		SourceFile:     "main.cpp",
		Artifact:       "app",
		CompileCommand: `g++ -O2 "-o" {artifact} {source}`,
		RunCommand:     "./{artifact}",
	}

	compile, err := lang.CompileArgs("main.cpp", "app")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"g++", "-O2", "-o", "app", "main.cpp"}
	if !reflect.DeepEqual(compile, want) {
		t.Errorf("compile args %v, want %v", compile, want)
	}

	run, err := lang.RunArgs("main.cpp", "app")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(run, []string{"./app"}) {
		t.Errorf("run args %v", run)
	}
}

func TestCommandTemplateErrors(t *testing.T) {
	lang := &Language{RunCommand: `python3 "{source}`}
	if _, err := lang.RunArgs("main.py", ""); err == nil {
		t.Error("unbalanced quote accepted")
	}

	lang = &Language{RunCommand: "   "}
	if _, err := lang.RunArgs("main.py", ""); err == nil {
		t.Error("blank command accepted")
	}
}
