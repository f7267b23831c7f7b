package script

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.starlark.net/starlark"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
	"github.com/Boti-Ormandi/archicad-mcp/internal/security"
)

// maxFileReadBytes caps a single file.read() so a script cannot balloon the
// result payload with an arbitrarily large file.
const maxFileReadBytes = 32 << 20

// fileTracker remembers every file a script opens so the executor can close
// leaked handles after the run, including runs killed by the deadline.
type fileTracker struct {
	mu    sync.Mutex
	files []*scriptFile
}

func (t *fileTracker) add(f *scriptFile) {
	t.mu.Lock()
	t.files = append(t.files, f)
	t.mu.Unlock()
}

func (t *fileTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.files {
		f.close()
	}
	t.files = nil
}

// newOpenBuiltin returns the `open(path, mode="r")` builtin. Every call is
// authorized against the path policy before the OS sees the path.
func newOpenBuiltin(ctx context.Context, policy *security.Policy, tracker *fileTracker) *starlark.Builtin {
	return starlark.NewBuiltin("open", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path, mode string
		mode = "r"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "mode?", &mode); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		flags, intent, err := parseMode(mode)
		if err != nil {
			return nil, err
		}

		if decision := policy.Authorize(path, intent); !decision.Allowed {
			return nil, archicad.NewError(archicad.KindPolicyDenied, decision.Reason, decision.Suggestion).
				WithDetail("path", path).
				WithDetail("intent", intent.String())
		}

		resolved, err := security.ResolvePath(path)
		if err != nil {
			return nil, archicad.NewError(archicad.KindPolicyDenied,
				fmt.Sprintf("cannot resolve path %q: %v", path, err),
				"Use an absolute path to an existing directory")
		}

		f, err := os.OpenFile(resolved, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		sf := &scriptFile{name: path, file: f, writable: intent == security.IntentWrite}
		tracker.add(sf)
		return sf, nil
	})
}

// parseMode maps a Python-style mode string onto OS open flags and the
// policy intent. Any of "w", "a", "x", "+" makes the access a write.
func parseMode(mode string) (flags int, intent security.Intent, err error) {
	base := strings.TrimSuffix(mode, "b") // Binary marker is a no-op here.
	plus := strings.Contains(base, "+")
	base = strings.ReplaceAll(base, "+", "")

	switch base {
	case "r":
		flags = os.O_RDONLY
	case "w":
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "a":
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case "x":
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	default:
		return 0, 0, fmt.Errorf("invalid file mode %q: use r, w, a, or x, optionally with +", mode)
	}

	if plus {
		flags = (flags &^ (os.O_RDONLY | os.O_WRONLY)) | os.O_RDWR
	}

	intent = security.IntentRead
	if base != "r" || plus {
		intent = security.IntentWrite
	}
	return flags, intent, nil
}

// scriptFile is the value returned by open(): read/write/close methods over
// one OS file handle.
type scriptFile struct {
	name     string
	writable bool

	mu     sync.Mutex
	file   *os.File
	closed bool
}

var (
	_ starlark.Value    = (*scriptFile)(nil)
	_ starlark.HasAttrs = (*scriptFile)(nil)
)

func (f *scriptFile) String() string        { return fmt.Sprintf("<file %q>", f.name) }
func (f *scriptFile) Type() string          { return "file" }
func (f *scriptFile) Freeze()               {}
func (f *scriptFile) Truth() starlark.Bool  { return starlark.True }
func (f *scriptFile) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: file") }

func (f *scriptFile) AttrNames() []string { return []string{"close", "name", "read", "write"} }

func (f *scriptFile) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(f.name), nil
	case "read":
		return starlark.NewBuiltin("read", f.readFn).BindReceiver(f), nil
	case "write":
		return starlark.NewBuiltin("write", f.writeFn).BindReceiver(f), nil
	case "close":
		return starlark.NewBuiltin("close", f.closeFn).BindReceiver(f), nil
	}
	return nil, nil
}

func (f *scriptFile) readFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("read %s: file is closed", f.name)
	}
	data, err := io.ReadAll(io.LimitReader(f.file, maxFileReadBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.name, err)
	}
	return starlark.String(data), nil
}

func (f *scriptFile) writeFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("write %s: file is closed", f.name)
	}
	if !f.writable {
		return nil, fmt.Errorf("write %s: file opened read-only", f.name)
	}
	n, err := f.file.WriteString(text)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", f.name, err)
	}
	return starlark.MakeInt(n), nil
}

func (f *scriptFile) closeFn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	f.close()
	return starlark.None, nil
}

func (f *scriptFile) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.file.Close()
		f.closed = true
	}
}
