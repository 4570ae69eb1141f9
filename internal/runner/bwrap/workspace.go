package bwrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/runner"
	"github.com/solvia/executor/pkg/files"
)

// workspace is the on-disk state of one runner instance. The pool
// hands a workspace to exactly one request at a time, so nothing here
// needs locking. Layout under root:
//
//	src/    source file as received
//	build/  compile output, survives per-run resets
//	box/    the only directory the sandbox sees, wiped before every run
//	io/     captured stdout/stderr, never mounted into the sandbox
type workspace struct {
	id   int
	root string
}

func newWorkspace(parent string, id int) (*workspace, error) {
	w := &workspace{id: id, root: filepath.Join(parent, fmt.Sprintf("instance-%d", id))}
	if err := w.reset(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *workspace) srcDir() string   { return filepath.Join(w.root, "src") }
func (w *workspace) buildDir() string { return filepath.Join(w.root, "build") }
func (w *workspace) boxDir() string   { return filepath.Join(w.root, "box") }
func (w *workspace) ioDir() string    { return filepath.Join(w.root, "io") }

func (w *workspace) stdoutPath() string     { return filepath.Join(w.ioDir(), "stdout") }
func (w *workspace) stderrPath() string     { return filepath.Join(w.ioDir(), "stderr") }
func (w *workspace) timeOutputPath() string { return filepath.Join(w.boxDir(), timeOutputFile) }

// reset wipes the whole instance. Called between requests so one
// request can never observe another's files.
func (w *workspace) reset() error {
	if err := os.RemoveAll(w.root); err != nil {
		return errors.Wrap(err, "clear workspace")
	}
	for _, dir := range []string{w.srcDir(), w.buildDir(), w.boxDir(), w.ioDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create workspace")
		}
	}
	return nil
}

// resetBox wipes the sandbox-visible directory and the capture files,
// keeping src and build intact between runs of the same request.
func (w *workspace) resetBox() error {
	for _, dir := range []string{w.boxDir(), w.ioDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrap(err, "clear box")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create box")
		}
	}
	return nil
}

func (w *workspace) writeSource(name, content string) error {
	err := os.WriteFile(filepath.Join(w.srcDir(), name), []byte(content), 0o644)
	return errors.Wrap(err, "write source")
}

// stageForCompile puts the source into a fresh box for the compiler.
func (w *workspace) stageForCompile(lang *runner.Language) error {
	src := filepath.Join(w.srcDir(), lang.SourceFile)
	return files.CopyFile(src, filepath.Join(w.boxDir(), lang.SourceFile))
}

// keepArtifact moves the compile output out of the box so later box
// resets cannot touch it.
func (w *workspace) keepArtifact(lang *runner.Language) error {
	built := filepath.Join(w.boxDir(), lang.Artifact)
	if _, err := os.Stat(built); err != nil {
		return errors.Wrapf(err, "compiler produced no %s", lang.Artifact)
	}
	return files.CopyFile(built, filepath.Join(w.buildDir(), lang.Artifact))
}

// stageForRun populates a fresh box for one input: the kept artifact
// for compiled languages, the source itself for interpreted ones.
func (w *workspace) stageForRun(lang *runner.Language) error {
	if lang.Compiled() {
		return files.CopyFile(filepath.Join(w.buildDir(), lang.Artifact), filepath.Join(w.boxDir(), lang.Artifact))
	}
	return files.CopyFile(filepath.Join(w.srcDir(), lang.SourceFile), filepath.Join(w.boxDir(), lang.SourceFile))
}
