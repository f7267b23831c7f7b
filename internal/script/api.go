package script

import (
	"context"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
)

// CommandCaller issues one command against one instance. Satisfied by
// *archicad.Dispatcher.
type CommandCaller interface {
	Call(ctx context.Context, inst archicad.Instance, dialect archicad.Dialect, command string, params map[string]any) (map[string]any, error)
}

// InstanceSource answers instance lookups. Satisfied by *archicad.Registry.
type InstanceSource interface {
	All() []archicad.Instance
	Lookup(port int) (archicad.Instance, bool)
}

// apiValue is the `archicad` object injected into every script namespace.
// It is bound to one instance; on(port) returns a sibling bound to another.
type apiValue struct {
	ctx       context.Context
	inst      archicad.Instance
	caller    CommandCaller
	instances InstanceSource
}

var (
	_ starlark.Value    = (*apiValue)(nil)
	_ starlark.HasAttrs = (*apiValue)(nil)
)

func newAPIValue(ctx context.Context, inst archicad.Instance, caller CommandCaller, instances InstanceSource) *apiValue {
	return &apiValue{ctx: ctx, inst: inst, caller: caller, instances: instances}
}

func (a *apiValue) String() string        { return fmt.Sprintf("<archicad port=%d>", a.inst.Port) }
func (a *apiValue) Type() string          { return "archicad" }
func (a *apiValue) Freeze()               {}
func (a *apiValue) Truth() starlark.Bool  { return starlark.True }
func (a *apiValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: archicad") }

func (a *apiValue) AttrNames() []string {
	return []string{"command", "instances", "on", "port", "tapir"}
}

func (a *apiValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "port":
		return starlark.MakeInt(a.inst.Port), nil
	case "command":
		return starlark.NewBuiltin("command", a.commandFn).BindReceiver(a), nil
	case "tapir":
		return starlark.NewBuiltin("tapir", a.tapirFn).BindReceiver(a), nil
	case "instances":
		return starlark.NewBuiltin("instances", a.instancesFn).BindReceiver(a), nil
	case "on":
		return starlark.NewBuiltin("on", a.onFn).BindReceiver(a), nil
	}
	return nil, nil // Starlark reports the missing attribute itself.
}

// commandFn handles archicad.command(name, parameters=None): a built-in API
// call. The "API." prefix is optional in scripts and added when missing.
func (a *apiValue) commandFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var params starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "parameters?", &params); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(name, "API.") {
		name = "API." + name
	}
	return a.call(archicad.DialectBuiltin, name, params)
}

// tapirFn handles archicad.tapir(name, parameters=None): a Tapir add-on call.
func (a *apiValue) tapirFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var params starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "parameters?", &params); err != nil {
		return nil, err
	}
	return a.call(archicad.DialectTapir, name, params)
}

func (a *apiValue) call(dialect archicad.Dialect, name string, params starlark.Value) (starlark.Value, error) {
	if err := a.ctx.Err(); err != nil {
		return nil, err
	}
	p, err := dictToParams(params)
	if err != nil {
		return nil, err
	}
	result, err := a.caller.Call(a.ctx, a.inst, dialect, name, p)
	if err != nil {
		return nil, err
	}
	return goToStarlark(result)
}

// instancesFn handles archicad.instances(): the known-instance list as
// structs, ordered by port.
func (a *apiValue) instancesFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	all := a.instances.All()
	elems := make([]starlark.Value, 0, len(all))
	for _, inst := range all {
		elems = append(elems, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"port":            starlark.MakeInt(inst.Port),
			"project_name":    starlark.String(inst.ProjectName),
			"project_path":    starlark.String(inst.ProjectPath),
			"project_type":    starlark.String(string(inst.Type())),
			"version":         starlark.String(inst.Version),
			"tapir_available": starlark.Bool(inst.TapirAvailable),
		}))
	}
	return starlark.NewList(elems), nil
}

// onFn handles archicad.on(port): a sibling capability bound to another
// running instance, so one script can orchestrate several of them.
func (a *apiValue) onFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var port int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "port", &port); err != nil {
		return nil, err
	}
	inst, ok := a.instances.Lookup(port)
	if !ok {
		return nil, archicad.NewError(archicad.KindUnreachable,
			fmt.Sprintf("no Archicad instance on port %d", port),
			"Use archicad.instances() or the list_instances tool to see active ports").
			WithDetail("port", port)
	}
	return newAPIValue(a.ctx, inst, a.caller, a.instances), nil
}
