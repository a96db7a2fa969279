package worktree

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion for home directory.
	BasePath string `mapstructure:"base_path"`

	// BranchPrefix is the prefix used for worktree branch names.
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "session/"

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.BasePath == "" {
		c.BasePath = "~/.agent-console/worktrees"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath returns the full path for a worktree directory name.
func (c *Config) WorktreePath(dirName string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, dirName), nil
}

var consecutiveHyphens = regexp.MustCompile(`-+`)

// SanitizeForBranch converts a session title into a valid git branch name
// component: lowercase, alphanumerics only, hyphens between words, truncated
// to maxLen.
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := consecutiveHyphens.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random suffix capped at 3 characters.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}
