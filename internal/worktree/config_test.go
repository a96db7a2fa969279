package worktree

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeForBranch(t *testing.T) {
	cases := []struct {
		name  string
		title string
		max   int
		want  string
	}{
		{"simple title", "Fix login bug", 40, "fix-login-bug"},
		{"punctuation collapses", "Fix: login / signup!!", 40, "fix-login-signup"},
		{"leading and trailing junk", "  --weird title--  ", 40, "weird-title"},
		{"unicode letters kept", "Tödliche Bugs", 40, "tödliche-bugs"},
		{"truncated at max", "a very long session title indeed", 10, "a-very-lon"},
		{"truncation strips trailing hyphen", "ab cdefgh j", 10, "ab-cdefgh"},
		{"empty title", "", 40, ""},
		{"only punctuation", "///---///", 40, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeForBranch(tc.title, tc.max)
			if got != tc.want {
				t.Errorf("SanitizeForBranch(%q, %d) = %q, want %q", tc.title, tc.max, got, tc.want)
			}
		})
	}
}

func TestSmallSuffix(t *testing.T) {
	if got := SmallSuffix(0); got != "" {
		t.Errorf("SmallSuffix(0) = %q, want empty", got)
	}
	if got := SmallSuffix(2); len(got) != 2 {
		t.Errorf("SmallSuffix(2) length = %d", len(got))
	}
	// Capped at three characters regardless of the request.
	if got := SmallSuffix(10); len(got) != 3 {
		t.Errorf("SmallSuffix(10) length = %d", len(got))
	}
	for _, r := range SmallSuffix(3) {
		if !strings.ContainsRune(branchSuffixAlphabet, r) {
			t.Errorf("suffix contains %q outside the alphabet", r)
		}
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.BranchPrefix != DefaultBranchPrefix {
		t.Errorf("BranchPrefix = %q", cfg.BranchPrefix)
	}
	if cfg.BasePath == "" {
		t.Error("BasePath not defaulted")
	}
}

func TestWorktreePathJoinsBase(t *testing.T) {
	cfg := Config{BasePath: "/var/lib/agent-console/worktrees"}
	got, err := cfg.WorktreePath("my-session")
	if err != nil {
		t.Fatalf("WorktreePath: %v", err)
	}
	want := filepath.Join("/var/lib/agent-console/worktrees", "my-session")
	if got != want {
		t.Errorf("WorktreePath = %q, want %q", got, want)
	}
}
