// Package script runs untrusted user scripts in a restricted Starlark
// sandbox bound to one Archicad instance.
//
// Security:
//   - Scripts see only the injected capabilities (archicad, open, port) plus
//     pure stdlib modules — no ambient filesystem, network, or process access
//   - A single wall-clock deadline covers the entire run; tight compute loops
//     are cancelled at the interpreter level, blocked network calls through
//     their context
//   - Every failure is classified into the structured error taxonomy with an
//     actionable suggestion; raw interpreter errors never leak through
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
	"github.com/Boti-Ormandi/archicad-mcp/internal/observability"
	"github.com/Boti-Ormandi/archicad-mcp/internal/security"
)

// scriptFilename is the name scripts see in tracebacks.
const scriptFilename = "script.star"

// Config bounds a single execution.
type Config struct {
	DefaultTimeout time.Duration // Used when the request does not set one.
	MaxTimeout     time.Duration // Hard ceiling on any requested timeout.
	MaxOutputBytes int           // Cap on captured print output.
	MaxResultItems int           // Lists longer than this are summarized.
	SampleSize     int           // Items retained when summarizing.
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.MaxResultItems <= 0 {
		c.MaxResultItems = 500
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 50
	}
	return c
}

// Request is one script invocation against one resolved instance.
type Request struct {
	Script   string
	Instance archicad.Instance
	Timeout  time.Duration // Zero means Config.DefaultTimeout.
}

// ErrorDetail is the structured error block inside a Result.
type ErrorDetail struct {
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion"`
	Details    map[string]any `json:"details,omitempty"`
}

// Result is the structured outcome of a script run. It is always produced,
// success or failure, and is safe to serialize as JSON.
type Result struct {
	ExecutionID     string       `json:"execution_id"`
	Success         bool         `json:"success"`
	Value           any          `json:"result,omitempty"`
	Stdout          string       `json:"stdout"`
	Error           *ErrorDetail `json:"error,omitempty"`
	TimedOut        bool         `json:"timed_out,omitempty"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
}

// Executor runs scripts. Stateless across runs; every invocation gets a
// fresh namespace, so no script can observe another's globals.
type Executor struct {
	config    Config
	policy    *security.Policy
	caller    CommandCaller
	instances InstanceSource
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
	tracer    trace.Tracer // Optional; nil disables spans.
}

// NewExecutor creates an Executor. metrics may be nil.
func NewExecutor(cfg Config, policy *security.Policy, caller CommandCaller, instances InstanceSource, logger *slog.Logger, metrics *observability.MetricsCollector) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		config:    cfg.withDefaults(),
		policy:    policy,
		caller:    caller,
		instances: instances,
		logger:    logger,
		metrics:   metrics,
	}
}

// WithTracer enables a span per execution. A nil tracer leaves the executor
// uninstrumented.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer
	return e
}

// fileOptions enables the imperative dialect scripts are written in: while
// loops, sets, top-level control flow, reassignment, and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type execOutcome struct {
	globals starlark.StringDict
	err     error
}

// Run executes one script to completion or deadline. It always returns a
// Result; errors are carried inside it.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	execID := uuid.NewString()
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	if timeout > e.config.MaxTimeout {
		timeout = e.config.MaxTimeout
	}

	e.metrics.ExecutionStarted()
	defer e.metrics.ExecutionFinished()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "script.execute",
			trace.WithAttributes(
				attribute.String("script.execution_id", execID),
				attribute.Int("archicad.port", req.Instance.Port),
			))
		defer span.End()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := &cappedBuffer{limit: e.config.MaxOutputBytes}
	tracker := &fileTracker{}
	defer tracker.closeAll()

	thread := &starlark.Thread{
		Name: "script-" + execID,
		Print: func(_ *starlark.Thread, msg string) {
			output.writeLine(msg)
		},
	}

	predeclared := starlark.StringDict{
		"archicad": newAPIValue(runCtx, req.Instance, e.caller, e.instances),
		"open":     newOpenBuiltin(runCtx, e.policy, tracker),
		"port":     starlark.MakeInt(req.Instance.Port),
		"json":     starlarkjson.Module,
		"math":     starlarkmath.Module,
		"time":     starlarktime.Module,
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	done := make(chan execOutcome, 1)
	var timedOut atomic.Bool
	go func() {
		globals, err := starlark.ExecFileOptions(fileOptions, thread, scriptFilename, req.Script, predeclared)
		done <- execOutcome{globals: globals, err: err}
	}()

	var outcome execOutcome
	select {
	case outcome = <-done:
	case <-runCtx.Done():
		timedOut.Store(true)
		thread.Cancel("deadline exceeded")
		outcome = <-done
	}

	elapsed := time.Since(start)
	result := e.buildResult(execID, outcome, output, timedOut.Load(), timeout, elapsed)

	status := "ok"
	if !result.Success {
		status = "error"
		if result.TimedOut {
			status = "timeout"
		}
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			if outcome.err != nil {
				span.RecordError(outcome.err)
			}
			span.SetStatus(codes.Error, result.Error.Message)
		}
	}
	e.metrics.RecordScriptExecution(status, elapsed)
	e.logger.InfoContext(ctx, "script execution finished",
		slog.String("execution_id", execID),
		slog.Int("port", req.Instance.Port),
		slog.String("status", status),
		slog.Duration("duration", elapsed),
	)
	return result
}

func (e *Executor) buildResult(execID string, outcome execOutcome, output *cappedBuffer, timedOut bool, timeout, elapsed time.Duration) Result {
	result := Result{
		ExecutionID:     execID,
		Stdout:          output.String(),
		ExecutionTimeMS: elapsed.Milliseconds(),
	}

	if timedOut {
		result.TimedOut = true
		result.Error = &ErrorDetail{
			Kind:    string(archicad.KindTimeout),
			Message: fmt.Sprintf("script exceeded its %s deadline", timeout),
			Suggestion: "Break the work into smaller scripts or raise the timeout. " +
				"A command in flight when the deadline expired may still have executed on the instance",
		}
		return result
	}

	if outcome.err != nil {
		result.Error = e.classify(outcome.err)
		return result
	}

	result.Success = true
	if v, ok := outcome.globals["result"]; ok {
		result.Value = e.truncate(starlarkToGo(v))
	}
	return result
}

// classify maps an interpreter error onto the structured taxonomy. Structured
// errors from capabilities pass through unchanged; everything else becomes a
// script fault with a source location when one is known.
func (e *Executor) classify(err error) *ErrorDetail {
	if ae := archicad.AsError(err); ae != nil {
		detail := &ErrorDetail{
			Kind:       string(ae.Kind),
			Message:    ae.Message,
			Suggestion: ae.Suggestion,
			Details:    ae.Details,
		}
		if line, ok := scriptLine(err); ok {
			detail.Message = fmt.Sprintf("line %d: %s", line, detail.Message)
		}
		return detail
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ErrorDetail{
			Kind:       string(archicad.KindTimeout),
			Message:    "script was cancelled before completion",
			Suggestion: "Retry with a longer timeout; a command in flight may still have executed",
		}
	}

	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return &ErrorDetail{
			Kind:       string(archicad.KindScriptFault),
			Message:    fmt.Sprintf("syntax error at line %d: %s", synErr.Pos.Line, synErr.Msg),
			Suggestion: "Fix the syntax error and re-run the script",
		}
	}

	var resErrs resolve.ErrorList
	if errors.As(err, &resErrs) && len(resErrs) > 0 {
		first := resErrs[0]
		if isUndefined(first.Msg) {
			return &ErrorDetail{
				Kind:    string(archicad.KindDisallowed),
				Message: fmt.Sprintf("line %d: %s", first.Pos.Line, first.Msg),
				Suggestion: "Scripts run in a restricted namespace. Available: archicad, open, port, " +
					"json, math, time, struct, and the standard builtins",
			}
		}
		return &ErrorDetail{
			Kind:       string(archicad.KindScriptFault),
			Message:    fmt.Sprintf("line %d: %s", first.Pos.Line, first.Msg),
			Suggestion: "Fix the script error and re-run",
		}
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg := evalErr.Msg
		if line, ok := scriptLine(err); ok {
			msg = fmt.Sprintf("line %d: %s", line, msg)
		}
		return &ErrorDetail{
			Kind:       string(archicad.KindScriptFault),
			Message:    msg,
			Suggestion: "Fix the script error at the reported line and re-run",
		}
	}

	return &ErrorDetail{
		Kind:       string(archicad.KindScriptFault),
		Message:    err.Error(),
		Suggestion: "Fix the script error and re-run",
	}
}

// scriptLine extracts the innermost script-file line from an eval backtrace.
func scriptLine(err error) (int, bool) {
	var evalErr *starlark.EvalError
	if !errors.As(err, &evalErr) {
		return 0, false
	}
	for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
		frame := evalErr.CallStack[i]
		if frame.Pos.Filename() == scriptFilename {
			return int(frame.Pos.Line), true
		}
	}
	return 0, false
}

func isUndefined(msg string) bool {
	return len(msg) > 10 && msg[:10] == "undefined:"
}

// truncate summarizes oversized list results so a script cannot flood the
// transport with a hundred thousand element IDs.
func (e *Executor) truncate(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) <= e.config.MaxResultItems {
		return v
	}
	sample := e.config.SampleSize
	if sample > len(list) {
		sample = len(list)
	}
	return map[string]any{
		"total":     len(list),
		"sample":    list[:sample],
		"truncated": true,
		"warning": fmt.Sprintf("Result has %d items; showing the first %d. "+
			"Filter or aggregate inside the script to retrieve specific items", len(list), sample),
	}
}

// cappedBuffer collects print output up to a byte limit. Writes may race
// with the deadline path reading partial output, hence the lock.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) writeLine(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return
	}
	line := s + "\n"
	if len(line) > remaining {
		line = line[:remaining]
		b.truncated = true
	}
	b.buf.WriteString(line)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	if b.truncated {
		out += "\n[output truncated]"
	}
	return out
}
