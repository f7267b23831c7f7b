package script

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
	"github.com/Boti-Ormandi/archicad-mcp/internal/security"
)

type fakeCaller struct {
	mu       sync.Mutex
	calls    []recordedCall
	response map[string]any
	err      error
}

type recordedCall struct {
	dialect archicad.Dialect
	command string
	params  map[string]any
	port    int
}

func (f *fakeCaller) Call(ctx context.Context, inst archicad.Instance, dialect archicad.Dialect, command string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{dialect: dialect, command: command, params: params, port: inst.Port})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return map[string]any{}, nil
}

type fakeSource struct {
	list []archicad.Instance
}

func (f *fakeSource) All() []archicad.Instance { return append([]archicad.Instance(nil), f.list...) }

func (f *fakeSource) Lookup(port int) (archicad.Instance, bool) {
	for _, inst := range f.list {
		if inst.Port == port {
			return inst, true
		}
	}
	return archicad.Instance{}, false
}

func testExecutor(t *testing.T, cfg Config, caller CommandCaller, source InstanceSource) *Executor {
	t.Helper()
	if caller == nil {
		caller = &fakeCaller{}
	}
	if source == nil {
		source = &fakeSource{}
	}
	policy := security.NewPolicy(security.ModeUnrestricted, nil, nil)
	return NewExecutor(cfg, policy, caller, source, nil, nil)
}

func run(t *testing.T, e *Executor, src string) Result {
	t.Helper()
	return e.Run(context.Background(), Request{
		Script:   src,
		Instance: archicad.Instance{Host: "127.0.0.1", Port: 19723},
	})
}

func TestRunResultAndPrint(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	res := run(t, e, "result = 42\nprint(\"done\")\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	if res.Value != int64(42) {
		t.Errorf("result = %v (%T), want 42", res.Value, res.Value)
	}
	if res.Stdout != "done\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "done\n")
	}
	if res.ExecutionID == "" {
		t.Error("execution id missing")
	}
}

func TestRunNoResultGlobal(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	res := run(t, e, "x = 1\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	if res.Value != nil {
		t.Errorf("result = %v, want nil", res.Value)
	}
}

func TestRunInfiniteLoopTimesOut(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	start := time.Now()
	res := e.Run(context.Background(), Request{
		Script:   "print(\"started\")\nwhile True:\n    pass\n",
		Instance: archicad.Instance{Port: 19723},
		Timeout:  200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.Success {
		t.Error("timed-out run must not be successful")
	}
	if res.Error == nil || res.Error.Kind != string(archicad.KindTimeout) {
		t.Errorf("error = %+v, want kind timeout", res.Error)
	}
	if res.Error != nil && res.Error.Suggestion == "" {
		t.Error("timeout error must carry a suggestion")
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Errorf("partial output lost: %q", res.Stdout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestRunScriptFaultReportsLine(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	res := run(t, e, "x = 1\nresult = 1 // 0\n")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != string(archicad.KindScriptFault) {
		t.Errorf("kind = %s, want script_fault", res.Error.Kind)
	}
	if !strings.Contains(res.Error.Message, "line 2") {
		t.Errorf("message %q does not name line 2", res.Error.Message)
	}
}

func TestRunSyntaxError(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	res := run(t, e, "def broken(:\n")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != string(archicad.KindScriptFault) {
		t.Errorf("kind = %s, want script_fault", res.Error.Kind)
	}
	if !strings.Contains(res.Error.Message, "syntax error") {
		t.Errorf("message = %q", res.Error.Message)
	}
}

func TestRunUndefinedNameIsDisallowed(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	res := run(t, e, "os.remove(\"/tmp/x\")\n")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != string(archicad.KindDisallowed) {
		t.Errorf("kind = %s, want disallowed_operation", res.Error.Kind)
	}
	if !strings.Contains(res.Error.Suggestion, "restricted namespace") {
		t.Errorf("suggestion = %q", res.Error.Suggestion)
	}
}

func TestCommandAddsBuiltinPrefix(t *testing.T) {
	caller := &fakeCaller{response: map[string]any{"answer": json.Number("7")}}
	e := testExecutor(t, Config{}, caller, nil)

	res := run(t, e, "r = archicad.command(\"GetProductInfo\")\nresult = r[\"answer\"]\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	if res.Value != int64(7) {
		t.Errorf("result = %v (%T), want 7", res.Value, res.Value)
	}
	if len(caller.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(caller.calls))
	}
	call := caller.calls[0]
	if call.command != "API.GetProductInfo" {
		t.Errorf("command = %q, want API.GetProductInfo", call.command)
	}
	if call.dialect != archicad.DialectBuiltin {
		t.Errorf("dialect = %s, want builtin", call.dialect)
	}
}

func TestTapirCallPassesParams(t *testing.T) {
	caller := &fakeCaller{response: map[string]any{"elements": []any{}}}
	e := testExecutor(t, Config{}, caller, nil)

	res := run(t, e, "result = archicad.tapir(\"GetSelectedElements\", {\"onlyEditable\": True})\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	call := caller.calls[0]
	if call.dialect != archicad.DialectTapir {
		t.Errorf("dialect = %s, want tapir", call.dialect)
	}
	if call.command != "GetSelectedElements" {
		t.Errorf("command = %q", call.command)
	}
	if call.params["onlyEditable"] != true {
		t.Errorf("params = %v", call.params)
	}
}

func TestDispatcherErrorPassesThrough(t *testing.T) {
	caller := &fakeCaller{err: archicad.NewError(archicad.KindRejected,
		"Tapir add-on is not installed", "Install Tapir from the release page")}
	e := testExecutor(t, Config{}, caller, nil)

	res := run(t, e, "archicad.tapir(\"GetProjectInfo\")\n")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != string(archicad.KindRejected) {
		t.Errorf("kind = %s, want rejected", res.Error.Kind)
	}
	if !strings.Contains(res.Error.Message, "Tapir add-on is not installed") {
		t.Errorf("message = %q", res.Error.Message)
	}
	if res.Error.Suggestion == "" {
		t.Error("suggestion must survive the interpreter boundary")
	}
}

func TestInstancesAndOn(t *testing.T) {
	source := &fakeSource{list: []archicad.Instance{
		{Port: 19723, ProjectName: "Tower A", TapirAvailable: true},
		{Port: 19724, ProjectName: "Tower B"},
	}}
	e := testExecutor(t, Config{}, &fakeCaller{}, source)

	res := run(t, e, "result = [i.port for i in archicad.instances()]\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	ports, ok := res.Value.([]any)
	if !ok || len(ports) != 2 || ports[0] != int64(19723) || ports[1] != int64(19724) {
		t.Errorf("result = %v", res.Value)
	}

	res = run(t, e, "result = archicad.on(19724).port\n")
	if !res.Success {
		t.Fatalf("on(19724) failed: %+v", res.Error)
	}
	if res.Value != int64(19724) {
		t.Errorf("result = %v", res.Value)
	}

	res = run(t, e, "archicad.on(9999)\n")
	if res.Success {
		t.Fatal("on(9999) should fail")
	}
	if res.Error.Kind != string(archicad.KindUnreachable) {
		t.Errorf("kind = %s, want unreachable", res.Error.Kind)
	}
}

func TestOpenWriteAllowedAndReadBack(t *testing.T) {
	dir := t.TempDir()
	resolved, err := security.ResolvePath(dir)
	if err != nil {
		t.Fatal(err)
	}
	policy := security.NewPolicy(security.ModeSandboxed,
		[]string{"/nonexistent-blocked/**"}, []string{resolved + "/**"})
	e := NewExecutor(Config{}, policy, &fakeCaller{}, &fakeSource{}, nil, nil)

	target := filepath.Join(dir, "out.txt")
	script := "f = open(\"" + filepath.ToSlash(target) + "\", \"w\")\n" +
		"f.write(\"hello\")\n" +
		"f.close()\n" +
		"result = \"ok\"\n"
	res := e.Run(context.Background(), Request{Script: script, Instance: archicad.Instance{Port: 19723}})
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("file content = %q", data)
	}
}

func TestOpenWriteOutsideAllowlistIsDenied(t *testing.T) {
	allowed := t.TempDir()
	denied := t.TempDir()
	resolvedAllowed, err := security.ResolvePath(allowed)
	if err != nil {
		t.Fatal(err)
	}
	policy := security.NewPolicy(security.ModeSandboxed,
		[]string{"/nonexistent-blocked/**"}, []string{resolvedAllowed + "/**"})
	e := NewExecutor(Config{}, policy, &fakeCaller{}, &fakeSource{}, nil, nil)

	target := filepath.Join(denied, "out.txt")
	script := "open(\"" + filepath.ToSlash(target) + "\", \"w\")\n"
	res := e.Run(context.Background(), Request{Script: script, Instance: archicad.Instance{Port: 19723}})
	if res.Success {
		t.Fatal("expected policy denial")
	}
	if res.Error.Kind != string(archicad.KindPolicyDenied) {
		t.Errorf("kind = %s, want policy_denied", res.Error.Kind)
	}
	if res.Error.Suggestion == "" {
		t.Error("denial must carry a suggestion")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("denied write must not create the file")
	}
}

func TestLargeListResultIsSummarized(t *testing.T) {
	e := testExecutor(t, Config{MaxResultItems: 100, SampleSize: 10}, nil, nil)

	res := run(t, e, "result = [i for i in range(250)]\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	summary, ok := res.Value.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want summary map", res.Value)
	}
	if summary["total"] != 250 {
		t.Errorf("total = %v", summary["total"])
	}
	if summary["truncated"] != true {
		t.Errorf("truncated = %v", summary["truncated"])
	}
	sample, _ := summary["sample"].([]any)
	if len(sample) != 10 {
		t.Errorf("sample len = %d, want 10", len(sample))
	}
}

func TestPrintOutputIsCapped(t *testing.T) {
	e := testExecutor(t, Config{MaxOutputBytes: 64}, nil, nil)

	res := run(t, e, "for i in range(100):\n    print(\"xxxxxxxxxxxxxxxx\")\nresult = 1\n")
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	if !strings.Contains(res.Stdout, "[output truncated]") {
		t.Error("expected truncation marker")
	}
	if len(res.Stdout) > 64+len("\n[output truncated]") {
		t.Errorf("stdout len = %d exceeds cap", len(res.Stdout))
	}
}

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	e := testExecutor(t, Config{}, nil, nil).WithTracer(tp.Tracer("test"))

	if res := run(t, e, "result = 1\n"); !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	res := run(t, e, "boom(\n") // Syntax error.
	if res.Success {
		t.Fatal("expected failure")
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want one per execution", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "script.execute" {
			t.Errorf("span name = %q", span.Name())
		}
	}
	if got := spans[0].Status().Code; got == codes.Error {
		t.Error("successful execution marked as error")
	}
	if got := spans[1].Status().Code; got != codes.Error {
		t.Errorf("failed execution span status = %v, want Error", got)
	}
}

func TestFreshNamespacePerRun(t *testing.T) {
	e := testExecutor(t, Config{}, nil, nil)

	if res := run(t, e, "leak = 99\nresult = leak\n"); !res.Success {
		t.Fatalf("first run failed: %+v", res.Error)
	}
	res := run(t, e, "result = leak\n")
	if res.Success {
		t.Fatal("second run must not see the first run's globals")
	}
	if res.Error.Kind != string(archicad.KindDisallowed) {
		t.Errorf("kind = %s, want disallowed_operation", res.Error.Kind)
	}
}
