package archicad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Boti-Ormandi/archicad-mcp/internal/observability"
)

// Dialect identifies which of the two incompatible command namespaces a
// command belongs to. A command resolves to exactly one dialect before a
// call is issued — the dispatcher never guesses at call time.
type Dialect int

const (
	// DialectBuiltin is the built-in Archicad JSON API ("API.*" commands).
	DialectBuiltin Dialect = iota

	// DialectTapir is the Tapir add-on command set, tunneled through the
	// built-in API.ExecuteAddOnCommand envelope.
	DialectTapir
)

func (d Dialect) String() string {
	if d == DialectTapir {
		return "tapir"
	}
	return "builtin"
}

// tapirCommandNotFound is the Archicad error code meaning the add-on itself
// is installed but the requested command name does not exist.
const tapirCommandNotFound = 4010

// DialectResolver maps a command name to its dialect. Implemented by the
// schema store when one is configured; a nil resolver degrades validation to
// "let the remote instance reject it".
type DialectResolver interface {
	ResolveDialect(command string) (Dialect, bool)
}

// Dispatcher sends one command to one instance and normalizes every failure
// into a typed *Error. It performs exactly one attempt per call — retry
// policy belongs to the caller, so latency and failure behavior stay
// predictable inside a user-timed script.
type Dispatcher struct {
	client  *http.Client
	schemas DialectResolver // Optional.
	logger  *slog.Logger
	metrics *observability.MetricsCollector // Optional, nil-safe.
	tracer  trace.Tracer                    // Optional; nil disables spans.
}

// NewDispatcher creates a Dispatcher. client may be nil for a default with
// sane connection pooling; schemas and metrics are optional.
func NewDispatcher(client *http.Client, schemas DialectResolver, logger *slog.Logger, metrics *observability.MetricsCollector) *Dispatcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     60 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{client: client, schemas: schemas, logger: logger, metrics: metrics}
}

// WithTracer enables span creation for every call. A nil tracer leaves the
// dispatcher uninstrumented.
func (d *Dispatcher) WithTracer(tracer trace.Tracer) *Dispatcher {
	d.tracer = tracer
	return d
}

// Call executes command against inst under the given dialect. The ctx
// deadline bounds the network call; expiry yields KindTimeout, never an
// ambiguous transport error. The returned map is the unwrapped result.
func (d *Dispatcher) Call(ctx context.Context, inst Instance, dialect Dialect, command string, params map[string]any) (map[string]any, error) {
	if err := d.validate(dialect, command); err != nil {
		return nil, err
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "archicad.dispatch",
			trace.WithAttributes(
				attribute.String("archicad.dialect", dialect.String()),
				attribute.String("archicad.command", command),
				attribute.Int("archicad.port", inst.Port),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := d.call(ctx, inst, dialect, command, params)
	status := "ok"
	if err != nil {
		status = string(KindOf(err))
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	d.metrics.RecordDispatcherCall(dialect.String(), status, time.Since(start))

	d.logger.DebugContext(ctx, "dispatcher call",
		slog.String("dialect", dialect.String()),
		slog.String("command", command),
		slog.Int("port", inst.Port),
		slog.String("status", status),
		slog.Duration("duration", time.Since(start)),
	)
	return result, err
}

// validate rejects commands whose name provably belongs to the other
// dialect. Only names known to the schema store are checked.
func (d *Dispatcher) validate(dialect Dialect, command string) error {
	if command == "" {
		return NewError(KindRejected, "command name must not be empty",
			"Provide a command name; use get_docs to browse available commands")
	}
	if d.schemas == nil {
		return nil
	}
	known, ok := d.schemas.ResolveDialect(command)
	if ok && known != dialect {
		return NewError(KindRejected,
			fmt.Sprintf("command %q belongs to the %s dialect, not %s", command, known, dialect),
			fmt.Sprintf("Call it through the %s API instead; see get_docs(command=%q)", known, command)).
			WithDetail("command", command)
	}
	return nil
}

func (d *Dispatcher) call(ctx context.Context, inst Instance, dialect Dialect, command string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}

	var payload map[string]any
	switch dialect {
	case DialectTapir:
		payload = map[string]any{
			"command": "API.ExecuteAddOnCommand",
			"parameters": map[string]any{
				"addOnCommandId": map[string]any{
					"commandNamespace": "TapirCommand",
					"commandName":      command,
				},
				"addOnCommandParameters": params,
			},
		}
	default:
		payload = map[string]any{
			"command":    command,
			"parameters": params,
		}
	}

	resp, err := d.post(ctx, inst, payload, command)
	if err != nil {
		return nil, err
	}

	if dialect == DialectTapir {
		return unwrapTapir(inst, command, resp)
	}
	return unwrapBuiltin(inst, command, resp)
}

// wireResponse is the top-level envelope every instance response uses.
type wireResponse struct {
	Succeeded bool            `json:"succeeded"`
	Result    json.RawMessage `json:"result"`
	Error     *wireError      `json:"error"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// post performs the HTTP exchange and parses the outer envelope.
func (d *Dispatcher) post(ctx context.Context, inst Instance, payload map[string]any, command string) (*wireResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(KindMalformed,
			fmt.Sprintf("cannot encode parameters for %q: %v", command, err),
			"Pass only JSON-serializable parameter values").
			WithDetail("command", command)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.BaseURL(), bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindMalformed, fmt.Sprintf("building request: %v", err), "Check the instance address")
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(KindTimeout,
				fmt.Sprintf("command %q timed out against port %d", command, inst.Port),
				"Retry with a longer deadline, or rescan instances in case this one is gone").
				WithDetail("port", inst.Port).WithDetail("command", command)
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, NewError(KindTimeout,
				fmt.Sprintf("command %q was abandoned before completion", command),
				"The script deadline expired; note the command may still execute on the instance").
				WithDetail("port", inst.Port).WithDetail("command", command)
		}
		return nil, NewError(KindUnreachable,
			fmt.Sprintf("cannot connect to Archicad on port %d", inst.Port),
			"Ensure Archicad is running with the JSON API enabled, then rescan with list_instances").
			WithDetail("port", inst.Port).WithDetail("error", err.Error())
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, NewError(KindMalformed,
			fmt.Sprintf("reading response for %q: %v", command, err),
			"Retry the command; rescan instances if this persists").
			WithDetail("port", inst.Port)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, NewError(KindRejected,
			fmt.Sprintf("instance on port %d returned HTTP %d for %q", inst.Port, httpResp.StatusCode, command),
			"Check the command name and parameters with get_docs").
			WithDetail("status", httpResp.StatusCode).WithDetail("command", command)
	}

	var resp wireResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, NewError(KindMalformed,
			fmt.Sprintf("cannot parse response for %q: %v", command, err),
			"The instance returned non-JSON output; verify it is an Archicad JSON API port").
			WithDetail("port", inst.Port).WithDetail("command", command)
	}
	return &resp, nil
}

func unwrapBuiltin(inst Instance, command string, resp *wireResponse) (map[string]any, error) {
	if !resp.Succeeded {
		msg, code := "command failed", 0
		if resp.Error != nil {
			msg, code = resp.Error.Message, resp.Error.Code
		}
		return nil, NewError(KindRejected, msg, "Check command parameters with get_docs").
			WithDetail("command", command).WithDetail("code", code).WithDetail("port", inst.Port)
	}
	return decodeObject(resp.Result), nil
}

func unwrapTapir(inst Instance, command string, resp *wireResponse) (map[string]any, error) {
	if !resp.Succeeded {
		msg, code := "command failed", 0
		if resp.Error != nil {
			msg, code = resp.Error.Message, resp.Error.Code
		}

		// "not registered" with any code other than 4010 means the add-on
		// namespace itself is missing — Tapir is not installed. Code 4010
		// means Tapir answered but the command name is unknown.
		if code != tapirCommandNotFound && strings.Contains(strings.ToLower(msg), "not registered") {
			return nil, NewError(KindRejected, "Tapir add-on is not installed",
				"Install Tapir from https://github.com/ENZYME-APD/tapir-archicad-automation/releases").
				WithDetail("port", inst.Port).WithDetail("command", command)
		}
		if code == tapirCommandNotFound {
			return nil, NewError(KindRejected,
				fmt.Sprintf("unknown Tapir command: %s", command),
				fmt.Sprintf("Check the command name with get_docs(search=%q)", command)).
				WithDetail("command", command).WithDetail("code", code)
		}
		return nil, NewError(KindRejected, msg, "Check command parameters with get_docs").
			WithDetail("command", command).WithDetail("code", code).WithDetail("port", inst.Port)
	}

	result := decodeObject(resp.Result)
	addon, _ := result["addOnCommandResponse"].(map[string]any)

	// Tapir reports failures inside the unwrapped response: either a bare
	// ErrorItem ("error") or a FailedExecutionResult ("error" + "success").
	if errObj, ok := addon["error"].(map[string]any); ok && len(errObj) > 0 {
		msg, _ := errObj["message"].(string)
		if msg == "" {
			msg = "Tapir command failed"
		}
		return nil, NewError(KindRejected, msg, "Check command parameters with get_docs").
			WithDetail("command", command).WithDetail("code", errObj["code"]).WithDetail("port", inst.Port)
	}
	if addon == nil {
		addon = map[string]any{}
	}
	return addon, nil
}

// decodeObject parses a raw JSON value into a map, preserving integer
// precision via json.Number. Non-object results decode to an empty map,
// matching the instance's own conventions.
func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
