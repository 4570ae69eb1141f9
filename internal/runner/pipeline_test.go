package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/solvia/executor/internal/repository/dto"
)

// fakeSession scripts the sandbox side of the pipeline. Each Exec call
// pops the next outcome; err fields trigger backend failures.
type fakeSession struct {
	prepareErr error
	compile    *CompileOutcome
	compileErr error
	outcomes   []RunOutcome
	execErr    error
	execErrAt  int

	prepared   bool
	execInputs []string
}

func (s *fakeSession) Prepare(lang *Language, source string) error {
	s.prepared = true
	return s.prepareErr
}

func (s *fakeSession) Compile(ctx context.Context, lang *Language) (*CompileOutcome, error) {
	if s.compileErr != nil {
		return nil, s.compileErr
	}
	if s.compile != nil {
		return s.compile, nil
	}
	return &CompileOutcome{Duration: 100 * time.Millisecond}, nil
}

func (s *fakeSession) Exec(ctx context.Context, lang *Language, limits dto.ResourceLimits, input string) (*RunOutcome, error) {
	if s.execErr != nil && len(s.execInputs) == s.execErrAt {
		return nil, s.execErr
	}
	s.execInputs = append(s.execInputs, input)
	if len(s.outcomes) == 0 {
		return &RunOutcome{ReturnCode: 0, Elapsed: 10 * time.Millisecond, Stdout: "ok"}, nil
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return &out, nil
}

func interpretedLang() *Language {
	return &Language{Name: "python", SourceFile: "main.py", RunCommand: "python3 {source}"}
}

func compiledLang() *Language {
	return &Language{
		Name:           "cpp",
		SourceFile:     "main.cpp",
		Artifact:       "app",
		CompileCommand: "g++ -o {artifact} {source}",
		RunCommand:     "./{artifact}",
	}
}

func requestForTest(inputs ...string) *dto.ExecutionRequest {
	return &dto.ExecutionRequest{
		Language: "python",
		Source:   "print(input())",
		Inputs:   inputs,
		Limits: dto.ResourceLimits{
			TimeLimit:        time.Second,
			OverallTimeLimit: 10 * time.Second,
			MemoryLimit:      256 * 1024,
			MaxInputSize:     1,
			MaxOutputSize:    1024,
		},
	}
}

func TestExecuteRequestRunsEveryInput(t *testing.T) {
	sess := &fakeSession{}
	req := requestForTest("a", "b", "c")

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, res := range results {
		if res.Status != dto.StatusSuccess {
			t.Errorf("result %d: status %s, want SUCCESS (%s)", i, res.Status, res.ErrorInfo)
		}
	}
	if got := strings.Join(sess.execInputs, ","); got != "a,b,c" {
		t.Errorf("inputs executed in order %q", got)
	}
}

func TestExecuteRequestSkipsCompileForInterpreted(t *testing.T) {
	sess := &fakeSession{compileErr: errors.New("must not be called")}
	req := requestForTest("a")

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)
	if results[0].Status != dto.StatusSuccess {
		t.Fatalf("status %s, want SUCCESS", results[0].Status)
	}
	if results[0].CompileTime != 0 {
		t.Errorf("interpreted run recorded compile time %v", results[0].CompileTime)
	}
}

func TestExecuteRequestCompileFailureFillsAll(t *testing.T) {
	sess := &fakeSession{compile: &CompileOutcome{
		ReturnCode: 1,
		Stderr:     "main.cpp:3: expected ';'",
		Duration:   200 * time.Millisecond,
	}}
	req := requestForTest("a", "b")

	results := ExecuteRequest(context.Background(), sess, compiledLang(), req)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, res := range results {
		if res.Status != dto.StatusCompileError {
			t.Errorf("result %d: status %s, want COMPILE_ERROR", i, res.Status)
		}
		if !strings.Contains(res.ErrorInfo, "expected ';'") {
			t.Errorf("result %d: compiler stderr missing from %q", i, res.ErrorInfo)
		}
		if res.CompileTime != 200*time.Millisecond {
			t.Errorf("result %d: compile time %v", i, res.CompileTime)
		}
	}
	if len(sess.execInputs) != 0 {
		t.Errorf("inputs were executed after a compile error: %v", sess.execInputs)
	}
}

func TestExecuteRequestPrepareFailureIsInternal(t *testing.T) {
	sess := &fakeSession{prepareErr: errors.New("disk full")}
	req := requestForTest("a", "b")

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)
	for i, res := range results {
		if res.Status != dto.StatusInternalError {
			t.Errorf("result %d: status %s, want INTERNAL_ERROR", i, res.Status)
		}
		if !strings.Contains(res.ErrorInfo, "disk full") {
			t.Errorf("result %d: cause missing from %q", i, res.ErrorInfo)
		}
	}
}

func TestExecuteRequestExecFailureFillsRemaining(t *testing.T) {
	sess := &fakeSession{execErr: errors.New("container died"), execErrAt: 1}
	req := requestForTest("a", "b", "c")

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)

	if results[0].Status != dto.StatusSuccess {
		t.Errorf("result 0: status %s, want SUCCESS", results[0].Status)
	}
	for i := 1; i < 3; i++ {
		if results[i].Status != dto.StatusInternalError {
			t.Errorf("result %d: status %s, want INTERNAL_ERROR", i, results[i].Status)
		}
	}
}

func TestExecuteRequestOversizedInputDoesNotBlockOthers(t *testing.T) {
	sess := &fakeSession{}
	big := strings.Repeat("x", 2048)
	req := requestForTest("a", big, "c") // MaxInputSize is 1 KB

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)

	if results[0].Status != dto.StatusSuccess || results[2].Status != dto.StatusSuccess {
		t.Errorf("neighbor inputs must still run: %s / %s", results[0].Status, results[2].Status)
	}
	if results[1].Status != dto.StatusInputLimitExceeded {
		t.Errorf("result 1: status %s, want INPUT_LIMIT_EXCEEDED", results[1].Status)
	}
	if results[1].ErrorInfo != "Input too large." {
		t.Errorf("result 1: info %q", results[1].ErrorInfo)
	}
	if got := strings.Join(sess.execInputs, ","); got != "a,c" {
		t.Errorf("executed inputs %q, want a,c", got)
	}
}

func TestExecuteRequestInputExactlyAtLimitRuns(t *testing.T) {
	sess := &fakeSession{}
	exact := strings.Repeat("x", 1024)
	req := requestForTest(exact)

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)
	if results[0].Status != dto.StatusSuccess {
		t.Fatalf("input of exactly max_input_size bytes must run, got %s", results[0].Status)
	}
}

func TestExecuteRequestOverallBudgetSkipsTail(t *testing.T) {
	// Three inputs, 1.5s each against a 2s overall budget: the first
	// run consumes 1.5s, after which no further full time limit fits.
	sess := &fakeSession{outcomes: []RunOutcome{
		{ReturnCode: 0, Elapsed: 1500 * time.Millisecond},
	}}
	req := requestForTest("a", "b", "c")
	req.Limits.TimeLimit = 2 * time.Second
	req.Limits.OverallTimeLimit = 2 * time.Second

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)

	if results[0].Status != dto.StatusSuccess {
		t.Errorf("result 0: status %s, want SUCCESS", results[0].Status)
	}
	for i := 1; i < 3; i++ {
		if results[i].Status != dto.StatusOverallTimeExceeded {
			t.Errorf("result %d: status %s, want OVERALL_TIME_LIMIT_EXCEEDED", i, results[i].Status)
		}
		if results[i].ErrorInfo != "Skipped due to overall time limit exceeded." {
			t.Errorf("result %d: info %q", i, results[i].ErrorInfo)
		}
		if results[i].ExecutionTime != 0 {
			t.Errorf("result %d: skipped input recorded execution time %v", i, results[i].ExecutionTime)
		}
	}
	if len(sess.execInputs) != 1 {
		t.Errorf("executed %d inputs, want 1", len(sess.execInputs))
	}
}

func TestExecuteRequestBudgetFitBoundary(t *testing.T) {
	// A run still starts when the remaining budget equals the time
	// limit exactly; the skip kicks in only past that point.
	sess := &fakeSession{outcomes: []RunOutcome{
		{ReturnCode: 0, Elapsed: 500 * time.Millisecond},
		{ReturnCode: 0, Elapsed: 500 * time.Millisecond},
		{ReturnCode: 0, Elapsed: 500 * time.Millisecond},
	}}
	req := requestForTest("a", "b", "c", "d")
	req.Limits.TimeLimit = time.Second
	req.Limits.OverallTimeLimit = 2 * time.Second

	results := ExecuteRequest(context.Background(), sess, interpretedLang(), req)

	for i := 0; i < 3; i++ {
		if results[i].Status != dto.StatusSuccess {
			t.Errorf("result %d: status %s, want SUCCESS", i, results[i].Status)
		}
	}
	if results[3].Status != dto.StatusOverallTimeExceeded {
		t.Errorf("result 3: status %s, want OVERALL_TIME_LIMIT_EXCEEDED", results[3].Status)
	}
	if len(sess.execInputs) != 3 {
		t.Errorf("executed %d inputs, want 3", len(sess.execInputs))
	}
}

func TestExecuteRequestCarriesRunDetails(t *testing.T) {
	metrics := &dto.TimeResult{ElapsedTime: 0.5, MaxResidentSetSize: 1234, ExitStatus: 0}
	sess := &fakeSession{outcomes: []RunOutcome{{
		Command:    []string{"python3", "main.py"},
		ReturnCode: 0,
		Elapsed:    500 * time.Millisecond,
		Stdout:     "hello",
		Stderr:     "warn",
		Metrics:    metrics,
	}}}
	req := requestForTest("a")

	res := ExecuteRequest(context.Background(), sess, interpretedLang(), req)[0]

	if res.Stdout != "hello" || res.Stderr != "warn" {
		t.Errorf("streams not carried: %q / %q", res.Stdout, res.Stderr)
	}
	if res.ExecutionTime != 500*time.Millisecond {
		t.Errorf("execution time %v", res.ExecutionTime)
	}
	if res.TimeResult != metrics {
		t.Errorf("metrics not carried through")
	}
	if len(res.Command) != 2 || res.Command[0] != "python3" {
		t.Errorf("command %v", res.Command)
	}
}
