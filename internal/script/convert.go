package script

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// goToStarlark converts a JSON-decoded Go value into its Starlark
// counterpart. json.Number preserves integer precision through the wire.
func goToStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("unrepresentable number %q", val.String())
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			conv, err := goToStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, conv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		// Deterministic insertion order keeps output stable.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			conv, err := goToStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), conv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to a script value", v)
	}
}

// starlarkToGo converts a Starlark value into a JSON-serializable Go value.
// Unrepresentable values fall back to their display form rather than failing
// the whole result.
func starlarkToGo(v starlark.Value) any {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.String:
		return string(val)
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i
		}
		return val.String() // Preserve big integers as text.
	case starlark.Float:
		return float64(val)
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			out = append(out, starlarkToGo(val.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, starlarkToGo(item))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = starlarkToGo(item[1])
		}
		return out
	case *starlark.Set:
		out := make([]any, 0, val.Len())
		iter := val.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			out = append(out, starlarkToGo(item))
		}
		return out
	case *starlarkstruct.Struct:
		d := starlark.StringDict{}
		val.ToStringDict(d)
		out := make(map[string]any, len(d))
		for k, member := range d {
			out[k] = starlarkToGo(member)
		}
		return out
	default:
		return v.String()
	}
}

// dictToParams converts a command's parameters argument (a Starlark dict or
// None) into the map the dispatcher expects.
func dictToParams(v starlark.Value) (map[string]any, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return map[string]any{}, nil
	case *starlark.Dict:
		params, ok := starlarkToGo(val).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameters must be a dict")
		}
		return params, nil
	default:
		return nil, fmt.Errorf("parameters must be a dict, got %s", v.Type())
	}
}
