package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resolvedTempDir returns t.TempDir() in its symlink-free form so glob
// patterns built from it match what Authorize resolves internally.
func resolvedTempDir(t *testing.T) string {
	t.Helper()
	dir, err := ResolvePath(t.TempDir())
	if err != nil {
		t.Fatalf("ResolvePath(TempDir): %v", err)
	}
	return dir
}

func TestAuthorize_UnrestrictedBlocksSystemDirs(t *testing.T) {
	tmp := resolvedTempDir(t)
	policy := NewPolicy(ModeUnrestricted,
		[]string{tmp + "/system/**"},
		nil,
	)

	tests := []struct {
		name   string
		path   string
		intent Intent
		want   bool
	}{
		{"read outside block", filepath.Join(tmp, "project", "out.txt"), IntentRead, true},
		{"write outside block", filepath.Join(tmp, "project", "out.txt"), IntentWrite, true},
		{"read inside block", filepath.Join(tmp, "system", "passwd"), IntentRead, false},
		{"write inside block", filepath.Join(tmp, "system", "passwd"), IntentWrite, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.Authorize(tc.path, tc.intent)
			if got.Allowed != tc.want {
				t.Errorf("Authorize(%q, %v).Allowed = %v, want %v (reason: %s)",
					tc.path, tc.intent, got.Allowed, tc.want, got.Reason)
			}
		})
	}
}

func TestAuthorize_SandboxedWriteRequiresAllowlist(t *testing.T) {
	tmp := resolvedTempDir(t)
	policy := NewPolicy(ModeSandboxed,
		[]string{tmp + "/system/**"},
		[]string{tmp + "/documents/**"},
	)

	// Reads follow the block-list only.
	if got := policy.Authorize(filepath.Join(tmp, "desktop", "x.txt"), IntentRead); !got.Allowed {
		t.Errorf("sandboxed read outside allowlist denied: %s", got.Reason)
	}

	// Writes outside the allow-list are always denied, regardless of the
	// block-list contents.
	got := policy.Authorize(filepath.Join(tmp, "desktop", "x.txt"), IntentWrite)
	if got.Allowed {
		t.Fatal("sandboxed write outside allowlist was allowed")
	}
	if got.Suggestion == "" {
		t.Error("denial carries no suggestion")
	}

	// Writes inside the allow-list succeed.
	if got := policy.Authorize(filepath.Join(tmp, "documents", "report.csv"), IntentWrite); !got.Allowed {
		t.Errorf("sandboxed write inside allowlist denied: %s", got.Reason)
	}
}

func TestAuthorize_BlocklistWinsOverAllowlist(t *testing.T) {
	tmp := resolvedTempDir(t)
	// The same subtree is both blocked and write-allowed; block wins.
	policy := NewPolicy(ModeSandboxed,
		[]string{tmp + "/both/**"},
		[]string{tmp + "/both/**"},
	)

	got := policy.Authorize(filepath.Join(tmp, "both", "f.txt"), IntentWrite)
	if got.Allowed {
		t.Error("blocked path was writable through the allowlist")
	}
}

func TestAuthorize_Deterministic(t *testing.T) {
	tmp := resolvedTempDir(t)
	policy := NewPolicy(ModeSandboxed,
		[]string{tmp + "/blocked/**"},
		[]string{tmp + "/allowed/**"},
	)

	paths := []string{
		filepath.Join(tmp, "blocked", "a"),
		filepath.Join(tmp, "allowed", "b"),
		filepath.Join(tmp, "other", "c"),
	}
	for _, p := range paths {
		for _, intent := range []Intent{IntentRead, IntentWrite} {
			first := policy.Authorize(p, intent)
			second := policy.Authorize(p, intent)
			if first.Allowed != second.Allowed {
				t.Errorf("Authorize(%q, %v) not idempotent: %v then %v",
					p, intent, first.Allowed, second.Allowed)
			}
		}
	}
}

func TestResolvePath_NonexistentUsesParent(t *testing.T) {
	tmp := resolvedTempDir(t)

	resolved, err := ResolvePath(filepath.Join(tmp, "new-file.txt"))
	if err != nil {
		t.Fatalf("ResolvePath for not-yet-existing file: %v", err)
	}
	if resolved != tmp+"/new-file.txt" {
		t.Errorf("resolved = %q, want %q", resolved, tmp+"/new-file.txt")
	}
}

func TestResolvePath_Empty(t *testing.T) {
	if _, err := ResolvePath(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestNewPolicy_BlockedPatternsMergeWithDefaults(t *testing.T) {
	tmp := resolvedTempDir(t)
	if err := os.MkdirAll(filepath.Join(tmp, "secret"), 0o750); err != nil {
		t.Fatal(err)
	}
	policy := NewPolicy(ModeUnrestricted, []string{tmp + "/secret/**"}, nil)

	// The platform defaults survive a custom addition — one extra pattern
	// must never unblock the system directories.
	if got := policy.Authorize("/etc/passwd", IntentRead); got.Allowed {
		t.Error("system directory readable after adding a custom blocked pattern")
	}
	// And the custom pattern is enforced alongside them.
	if got := policy.Authorize(filepath.Join(tmp, "secret", "key.pem"), IntentRead); got.Allowed {
		t.Error("custom blocked pattern not enforced")
	}
	if len(policy.BlockedPatterns()) <= len(DefaultBlockedPatterns()) {
		t.Errorf("blocked list %v should hold defaults plus the custom pattern", policy.BlockedPatterns())
	}
}

func TestNewPolicy_DefaultsApplied(t *testing.T) {
	policy := NewPolicy(ModeSandboxed, nil, nil)
	if len(policy.BlockedPatterns()) == 0 {
		t.Error("no default blocked patterns")
	}
	if len(policy.AllowedWritePatterns()) == 0 {
		t.Error("no default allowed write patterns")
	}
	// Unknown mode falls back to unrestricted.
	if got := NewPolicy("weird", nil, nil).Mode(); got != ModeUnrestricted {
		t.Errorf("Mode() = %q, want %q", got, ModeUnrestricted)
	}
}

func TestDescribeFileAccess(t *testing.T) {
	sandboxed := NewPolicy(ModeSandboxed, nil, nil).DescribeFileAccess()
	if want := "FILE ACCESS (SANDBOXED)"; !strings.Contains(sandboxed, want) {
		t.Errorf("sandboxed description missing %q", want)
	}
	open := NewPolicy(ModeUnrestricted, nil, nil).DescribeFileAccess()
	if want := "Read/write access to most paths."; !strings.Contains(open, want) {
		t.Errorf("unrestricted description missing %q", want)
	}
}
