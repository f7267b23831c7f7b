// Package server exposes the execution engine over the Model Context
// Protocol. The wire runs on stdio; logs must therefore go to stderr only.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
	"github.com/Boti-Ormandi/archicad-mcp/internal/schema"
	"github.com/Boti-Ormandi/archicad-mcp/internal/script"
	"github.com/Boti-Ormandi/archicad-mcp/internal/security"
)

// InstanceManager resolves and lists Archicad instances. Satisfied by
// *archicad.Manager.
type InstanceManager interface {
	Resolve(ctx context.Context, port int) (archicad.Instance, error)
	Refresh(ctx context.Context) []archicad.Instance
	Instances() []archicad.Instance
	Scanned() bool
}

// ScriptRunner executes one script. Satisfied by *script.Executor.
type ScriptRunner interface {
	Run(ctx context.Context, req script.Request) script.Result
}

// Server is the MCP facade: three tools over the engine underneath.
type Server struct {
	name    string
	version string

	manager InstanceManager
	runner  ScriptRunner
	policy  *security.Policy
	docs    *schema.Store // Optional; get_docs degrades without it.
	logger  *slog.Logger

	mcp *mcpserver.MCPServer
}

// New creates the MCP server and registers its tools. docs may be nil.
func New(name, version string, manager InstanceManager, runner ScriptRunner, policy *security.Policy, docs *schema.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		name:    name,
		version: version,
		manager: manager,
		runner:  runner,
		policy:  policy,
		docs:    docs,
		logger:  logger,
	}
	s.mcp = mcpserver.NewMCPServer(name, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Serve runs the stdio transport until EOF or a fatal transport error.
func (s *Server) Serve() error {
	s.logger.Info("MCP server starting", slog.String("name", s.name), slog.String("version", s.version))
	return mcpserver.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("execute_script",
		mcp.WithDescription(s.executeScriptDescription()),
		mcp.WithString("script",
			mcp.Required(),
			mcp.Description("Starlark script to execute. Set the `result` global to return a value. "+
				"Available: archicad.command(name, parameters), archicad.tapir(name, parameters), "+
				"archicad.instances(), archicad.on(port), open(path, mode), print(), json, math, time, struct"),
		),
		mcp.WithNumber("port",
			mcp.Description("Target instance port (19723-19744). Omit to use the first running instance."),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Execution deadline in seconds. Default 60, maximum 300."),
		),
	), s.handleExecuteScript)

	s.mcp.AddTool(mcp.NewTool("list_instances",
		mcp.WithDescription("List running Archicad instances with their port, project, version, and "+
			"Tapir add-on availability. Scans ports 19723-19744."),
		mcp.WithBoolean("rescan",
			mcp.Description("Force a fresh port scan instead of returning the cached registry."),
		),
	), s.handleListInstances)

	s.mcp.AddTool(mcp.NewTool("get_docs",
		mcp.WithDescription("Browse Archicad command documentation. With no arguments returns a category "+
			"overview. Pass command for one command's full schema, category to list a category, or "+
			"search to find commands by keyword."),
		mcp.WithString("command", mcp.Description("Exact command name, e.g. GetSelectedElements.")),
		mcp.WithString("category", mcp.Description("Category name from the overview.")),
		mcp.WithString("search", mcp.Description("Keywords to match against names and descriptions.")),
	), s.handleGetDocs)
}

func (s *Server) executeScriptDescription() string {
	desc := "Execute a Starlark script against a running Archicad instance. " +
		"Scripts talk to Archicad through two APIs: archicad.command() for built-in JSON API " +
		"commands (API.*) and archicad.tapir() for Tapir add-on commands. " +
		"Set the `result` global to the value you want returned.\n\n"
	if s.policy != nil {
		desc += s.policy.DescribeFileAccess()
	}
	return desc
}

func (s *Server) handleExecuteScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := request.RequireString("script")
	if err != nil {
		return errorResult(archicad.NewError(archicad.KindRejected,
			"missing required argument: script",
			"Pass the script source as the `script` string argument")), nil
	}
	port := request.GetInt("port", archicad.AnyPort)
	timeoutS := request.GetFloat("timeout", 0)

	inst, err := s.manager.Resolve(ctx, port)
	if err != nil {
		return errorResult(err), nil
	}

	result := s.runner.Run(ctx, script.Request{
		Script:   src,
		Instance: inst,
		Timeout:  time.Duration(timeoutS * float64(time.Second)),
	})
	return jsonResult(result)
}

func (s *Server) handleListInstances(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rescan := request.GetBool("rescan", false)

	var instances []archicad.Instance
	if rescan || !s.manager.Scanned() {
		instances = s.manager.Refresh(ctx)
	} else {
		instances = s.manager.Instances()
	}

	payload := map[string]any{
		"instances": instances,
		"total":     len(instances),
	}
	if len(instances) == 0 {
		payload["suggestion"] = "No running Archicad instance found. Start Archicad and ensure " +
			"the JSON API is enabled (ports 19723-19744), then retry"
	}
	return jsonResult(payload)
}

func (s *Server) handleGetDocs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.docs == nil || s.docs.Len() == 0 {
		return errorResult(archicad.NewError(archicad.KindRejected,
			"command documentation is not available",
			"Configure schema.cache_path to point at a schema cache file")), nil
	}

	if name := request.GetString("command", ""); name != "" {
		cmd, ok := s.docs.Get(name)
		if !ok {
			e := archicad.NewError(archicad.KindRejected,
				fmt.Sprintf("unknown command: %s", name),
				"Use get_docs(search=...) to find the right name")
			if similar := s.docs.SimilarCommands(name, 3); len(similar) > 0 {
				e = e.WithDetail("similar", similar)
			}
			return errorResult(e), nil
		}
		return jsonResult(cmd)
	}
	if category := request.GetString("category", ""); category != "" {
		return jsonResult(s.docs.Category(category))
	}
	if query := request.GetString("search", ""); query != "" {
		return jsonResult(s.docs.Search(query, 20))
	}
	return jsonResult(s.docs.Summary())
}

// jsonResult marshals v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders a structured error as an MCP tool error, keeping the
// kind/message/suggestion shape machine-readable.
func errorResult(err error) *mcp.CallToolResult {
	ae := archicad.AsError(err)
	if ae == nil {
		ae = archicad.NewError(archicad.KindScriptFault, err.Error(), "Retry, or report this if it persists")
	}
	payload := map[string]any{
		"error": map[string]any{
			"kind":       string(ae.Kind),
			"message":    ae.Message,
			"suggestion": ae.Suggestion,
		},
	}
	if len(ae.Details) > 0 {
		payload["error"].(map[string]any)["details"] = ae.Details
	}
	data, merr := json.MarshalIndent(payload, "", "  ")
	if merr != nil {
		return mcp.NewToolResultError(ae.Error())
	}
	return mcp.NewToolResultError(string(data))
}
