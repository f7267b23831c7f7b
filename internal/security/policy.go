// Package security implements the filesystem path policy for script execution.
//
// Security:
//   - Every path is resolved to its absolute, symlink-free form before any
//     pattern is consulted — decisions are never made on raw caller input
//   - Block patterns deny both reads and writes in every mode
//   - In sandboxed mode a write additionally requires an allow-list match
//   - The policy is immutable after construction and safe for concurrent use
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode selects how restrictive the path policy is.
type Mode string

const (
	// ModeUnrestricted blocks only the configured system directories.
	ModeUnrestricted Mode = "unrestricted"

	// ModeSandboxed additionally restricts writes to the allow-list.
	ModeSandboxed Mode = "sandboxed"
)

// Intent is the kind of filesystem access being authorized.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	if i == IntentWrite {
		return "write"
	}
	return "read"
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed    bool
	Reason     string // Populated when denied.
	Suggestion string // Actionable fix, populated when denied.
}

// DefaultBlockedPatterns returns the platform's default blocked system
// directories. Scripts have no business under any of these.
func DefaultBlockedPatterns() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			"C:/Windows/**",
			"C:/Program Files/**",
			"C:/Program Files (x86)/**",
		}
	case "darwin":
		return []string{
			"/System/**",
			"/Library/**",
			"/Applications/**",
			"/usr/**",
			"/bin/**",
			"/sbin/**",
			"/etc/**",
			"/var/**",
		}
	default:
		return []string{
			"/usr/**",
			"/bin/**",
			"/sbin/**",
			"/etc/**",
			"/var/**",
		}
	}
}

// DefaultAllowedWritePatterns returns common safe locations for script output.
func DefaultAllowedWritePatterns() []string {
	return []string{
		"~/Desktop/**",
		"~/Documents/**",
		"${TEMP}/**",
	}
}

// Policy decides whether a filesystem path may be opened for read or write.
// Construct once at startup with NewPolicy; shared read-only afterwards.
type Policy struct {
	mode         Mode
	blocked      []string // Expanded glob patterns, deny read+write.
	allowedWrite []string // Expanded glob patterns, write permission in sandboxed mode.
}

// NewPolicy builds a Policy with `~` and `${TEMP}` placeholders expanded.
// Custom blocked patterns are merged on top of the platform defaults — the
// system directories stay blocked no matter what the caller adds. The write
// allow-list replaces the defaults; an empty one falls back to them.
func NewPolicy(mode Mode, blocked, allowedWrite []string) *Policy {
	if mode != ModeSandboxed {
		mode = ModeUnrestricted
	}
	blocked = append(DefaultBlockedPatterns(), blocked...)
	if len(allowedWrite) == 0 {
		allowedWrite = DefaultAllowedWritePatterns()
	}
	return &Policy{
		mode:         mode,
		blocked:      expandPatterns(blocked),
		allowedWrite: expandPatterns(allowedWrite),
	}
}

// Mode returns the policy mode.
func (p *Policy) Mode() Mode { return p.mode }

// BlockedPatterns returns the expanded block-list for documentation purposes.
func (p *Policy) BlockedPatterns() []string { return append([]string(nil), p.blocked...) }

// AllowedWritePatterns returns the expanded write allow-list.
func (p *Policy) AllowedWritePatterns() []string { return append([]string(nil), p.allowedWrite...) }

// Authorize decides whether path may be accessed with the given intent.
// The decision is deterministic for a fixed policy and filesystem state.
func (p *Policy) Authorize(path string, intent Intent) Decision {
	resolved, err := ResolvePath(path)
	if err != nil {
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("cannot resolve path %q: %v", path, err),
			Suggestion: "Use an absolute path to an existing directory",
		}
	}

	for _, pattern := range p.blocked {
		if matchPattern(pattern, resolved) {
			return Decision{
				Allowed: false,
				Reason: fmt.Sprintf("access denied: %q is in a blocked directory (pattern %q)",
					resolved, pattern),
				Suggestion: "Blocked system directories cannot be accessed. Write to your Documents or temp directory instead",
			}
		}
	}

	if intent == IntentWrite && p.mode == ModeSandboxed {
		for _, pattern := range p.allowedWrite {
			if matchPattern(pattern, resolved) {
				return Decision{Allowed: true}
			}
		}
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("write access denied: %q is not in the allowed write paths",
				resolved),
			Suggestion: fmt.Sprintf("Request write access to an allowed path. Allowed: %s",
				strings.Join(p.allowedWrite, ", ")),
		}
	}

	return Decision{Allowed: true}
}

// ResolvePath converts a user-supplied path to its absolute, symlink-free
// form. If the path does not exist yet (write case), the parent directory is
// resolved instead and the final element re-joined — the same idiom used for
// pre-creation write targets elsewhere in the codebase.
func ResolvePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}

	expanded := expandHome(raw)

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parentResolved, parentErr := filepath.EvalSymlinks(filepath.Dir(abs))
		if parentErr != nil {
			return "", fmt.Errorf("path does not exist and parent is invalid: %w", err)
		}
		resolved = filepath.Join(parentResolved, filepath.Base(abs))
	}

	return normalize(resolved), nil
}

// expandPatterns expands `~` and `${TEMP}` in each pattern and normalizes
// separators so matching is consistent across platforms.
func expandPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = expandHome(p)
		if strings.Contains(p, "${TEMP}") {
			p = strings.ReplaceAll(p, "${TEMP}", os.TempDir())
		}
		out = append(out, normalize(p))
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}

// normalize converts to forward slashes and lowercases on case-insensitive
// filesystems (Windows), matching the host convention.
func normalize(p string) string {
	p = filepath.ToSlash(p)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

func matchPattern(pattern, path string) bool {
	if runtime.GOOS == "windows" {
		pattern = strings.ToLower(pattern)
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// DescribeFileAccess renders the effective file-access rules as a text block
// for embedding in the execute_script tool description, so callers see the
// real expanded paths rather than placeholders.
func (p *Policy) DescribeFileAccess() string {
	var sb strings.Builder

	if p.mode == ModeSandboxed {
		sb.WriteString("FILE ACCESS (SANDBOXED)\n")
		sb.WriteString("=======================\n")
		sb.WriteString("Read access to most paths, write access restricted.\n\n")
		sb.WriteString("ALLOWED WRITE PATHS:\n")
		for _, p := range p.allowedWrite {
			sb.WriteString("  - " + p + "\n")
		}
	} else {
		sb.WriteString("FILE ACCESS\n")
		sb.WriteString("===========\n")
		sb.WriteString("Read/write access to most paths.\n")
	}

	sb.WriteString("\nBLOCKED (system directories):\n")
	for _, p := range p.blocked {
		sb.WriteString("  - " + p + "\n")
	}
	sb.WriteString("\nAttempting to access blocked paths fails with a permission error.\n")

	return sb.String()
}
