package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
)

// Language describes how one language materializes, compiles and runs a
// program. Configs live as languages/<name>/config.json; adding a
// language means adding a directory, never touching runner code.
type Language struct {
	Name       string `json:"-"`
	SourceFile string `json:"source_file"`
	// Artifact is the compile output file name, empty for interpreted
	// languages.
	Artifact string `json:"artifact"`
	// Compile and Run are command templates. {source} and {artifact}
	// expand to in-sandbox paths before shlex splitting.
	CompileCommand string `json:"compile"`
	RunCommand     string `json:"run"`

	CompileTimeLimit   time.Duration `json:"compile_time_limit_ms"`
	CompileMemoryLimit int64         `json:"compile_memory_limit_kb"`
	CompileMaxFileSize int64         `json:"compile_max_file_size_kb"`

	// Env entries ("KEY=value") added to the sandbox environment for
	// both the compile and run stages.
	Env []string `json:"env"`
}

func (l *Language) Compiled() bool {
	return l.CompileCommand != ""
}

func (l *Language) CompileArgs(source, artifact string) ([]string, error) {
	return expandCommand(l.CompileCommand, source, artifact)
}

func (l *Language) RunArgs(source, artifact string) ([]string, error) {
	return expandCommand(l.RunCommand, source, artifact)
}

func expandCommand(template, source, artifact string) ([]string, error) {
	expanded := strings.NewReplacer("{source}", source, "{artifact}", artifact).Replace(template)
	args, err := shlex.Split(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to split command %q", expanded)
	}
	if len(args) == 0 {
		return nil, errors.Errorf("command template %q expands to nothing", template)
	}
	return args, nil
}

// LoadLanguage reads languages/<name>/config.json under root. A missing
// directory reports ErrLanguageNotFound.
func LoadLanguage(root, name string) (*Language, error) {
	file, err := os.Open(filepath.Join(root, name, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrLanguageNotFound, name)
		}
		return nil, err
	}
	defer file.Close()

	lang := new(Language)
	if err := json.NewDecoder(file).Decode(lang); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config for language %s", name)
	}
	lang.Name = name
	lang.CompileTimeLimit *= time.Millisecond

	if lang.SourceFile == "" {
		return nil, errors.Errorf("language %s: source_file is required", name)
	}
	if lang.RunCommand == "" {
		return nil, errors.Errorf("language %s: run command is required", name)
	}
	if lang.Compiled() && lang.Artifact == "" {
		return nil, errors.Errorf("language %s: compiled language needs an artifact name", name)
	}
	if lang.CompileTimeLimit <= 0 {
		lang.CompileTimeLimit = 10 * time.Second
	}
	if lang.CompileMemoryLimit <= 0 {
		lang.CompileMemoryLimit = 512 * 1024
	}
	if lang.CompileMaxFileSize <= 0 {
		lang.CompileMaxFileSize = 10 * 1024
	}
	return lang, nil
}
