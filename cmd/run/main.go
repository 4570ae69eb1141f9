// Command run executes one program locally, without the queue: source
// file and input files in, the JSON report on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/solvia/executor/internal/mappers"
	"github.com/solvia/executor/internal/repository/dto"
	"github.com/solvia/executor/internal/runner"
	"github.com/solvia/executor/internal/runner/bwrap"
	"github.com/solvia/executor/internal/runner/sandbox"
)

func fail(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}
}

func main() {
	var (
		lang      = flag.String("lang", "", "language name under the languages directory")
		backend   = flag.String("backend", "bwrap", "sandbox backend, bwrap or container")
		languages = flag.String("languages", "./languages", "languages directory")
		workspace = flag.String("workspace", "", "workspace root for the bwrap backend")
		timeLimit = flag.Duration("time", 5*time.Second, "per-input wall-clock limit")
		overall   = flag.Duration("overall", 30*time.Second, "overall wall-clock budget")
		memory    = flag.Int64("memory", 256*1024, "memory limit in KB")
		maxIn     = flag.Int64("max-in", 2*1024, "max input size in KB")
		maxOut    = flag.Int64("max-out", 2*1024, "max output size in KB")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *lang == "" || flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: run -lang <name> [flags] <source file> [input file...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	lvl := slog.LevelWarn
	if *verbose {
		lvl = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly}))

	source, err := os.ReadFile(flag.Arg(0))
	fail(err)

	inputs := make([]string, 0, flag.NArg()-1)
	for _, path := range flag.Args()[1:] {
		data, err := os.ReadFile(path)
		fail(err)
		inputs = append(inputs, string(data))
	}
	if len(inputs) == 0 {
		inputs = []string{""}
	}

	var run runner.Runner
	switch *backend {
	case "bwrap":
		run, err = bwrap.New(bwrap.Config{
			LanguagesDir:  *languages,
			WorkspaceRoot: *workspace,
			Instances:     1,
		}, log)
	case "container":
		run, err = sandbox.New(sandbox.Config{
			LanguagesDir: *languages,
			PoolSize:     1,
		}, log)
	default:
		err = fmt.Errorf("unknown backend %q", *backend)
	}
	fail(err)

	results, err := run.Run(context.Background(), &dto.ExecutionRequest{
		Language: *lang,
		Source:   string(source),
		Inputs:   inputs,
		Limits: dto.ResourceLimits{
			TimeLimit:        *timeLimit,
			OverallTimeLimit: *overall,
			MemoryLimit:      *memory,
			MaxInputSize:     *maxIn,
			MaxOutputSize:    *maxOut,
		},
	})
	fail(err)

	report := mappers.ResultsToReport(uuid.NewString(), results)
	out, err := json.MarshalIndent(report, "", "  ")
	fail(err)
	fmt.Println(string(out))

	if report.Status != string(dto.StatusSuccess) {
		os.Exit(1)
	}
}
