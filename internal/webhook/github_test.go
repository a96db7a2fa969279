package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGitHubParsePush(t *testing.T) {
	p := NewGitHubParser("")
	body := []byte(`{
		"ref": "refs/heads/feature/login",
		"repository": {"full_name": "acme/widget"},
		"sender": {"login": "octocat"}
	}`)

	evt, err := p.Parse(map[string]string{"X-GitHub-Event": "push"}, body)
	require.NoError(t, err)
	assert.Equal(t, "github", evt.Provider)
	assert.Equal(t, "push", evt.Type)
	assert.Equal(t, "acme/widget", evt.Repository)
	assert.Equal(t, "feature/login", evt.Branch)
	assert.Equal(t, "octocat", evt.Sender)
	assert.Equal(t, "push to feature/login on acme/widget", evt.Summary)
}

func TestGitHubParsePullRequest(t *testing.T) {
	p := NewGitHubParser("")
	body := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widget"},
		"pull_request": {
			"number": 42,
			"title": "Add login flow",
			"head": {"ref": "feature/login"}
		}
	}`)

	evt, err := p.Parse(map[string]string{"X-GitHub-Event": "pull_request"}, body)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", evt.Branch)
	assert.Equal(t, "pull request #42 opened: Add login flow", evt.Summary)
}

func TestGitHubParseIssueCommentTruncatesDetail(t *testing.T) {
	p := NewGitHubParser("")
	long := strings.Repeat("x", maxDetailLen+500)
	body := []byte(fmt.Sprintf(`{
		"repository": {"full_name": "acme/widget"},
		"issue": {"number": 7, "title": "Crash on start"},
		"comment": {"body": %q}
	}`, long))

	evt, err := p.Parse(map[string]string{"X-GitHub-Event": "issue_comment"}, body)
	require.NoError(t, err)
	assert.Equal(t, "comment on #7: Crash on start", evt.Summary)
	assert.LessOrEqual(t, len(evt.Detail), maxDetailLen)
	assert.True(t, strings.HasSuffix(evt.Detail, "..."))
}

func TestGitHubParseUnknownEventType(t *testing.T) {
	p := NewGitHubParser("")
	body := []byte(`{"repository": {"full_name": "acme/widget"}}`)

	evt, err := p.Parse(map[string]string{"X-GitHub-Event": "watch"}, body)
	require.NoError(t, err)
	assert.Equal(t, "watch on acme/widget", evt.Summary)
	assert.Empty(t, evt.Branch)
}

func TestGitHubParseRequiresEventHeader(t *testing.T) {
	p := NewGitHubParser("")
	_, err := p.Parse(map[string]string{}, []byte(`{"repository": {"full_name": "a/b"}}`))
	assert.Error(t, err)
}

func TestGitHubParseRequiresRepository(t *testing.T) {
	p := NewGitHubParser("")
	_, err := p.Parse(map[string]string{"X-GitHub-Event": "push"}, []byte(`{}`))
	assert.Error(t, err)
}

func TestGitHubParseHeaderLookupIsCaseInsensitive(t *testing.T) {
	p := NewGitHubParser("")
	body := []byte(`{"repository": {"full_name": "acme/widget"}}`)

	evt, err := p.Parse(map[string]string{"x-github-event": "push"}, body)
	require.NoError(t, err)
	assert.Equal(t, "push", evt.Type)
}

func TestGitHubSignatureVerification(t *testing.T) {
	secret := "topsecret"
	p := NewGitHubParser(secret)
	body := []byte(`{"repository": {"full_name": "acme/widget"}}`)

	t.Run("valid signature accepted", func(t *testing.T) {
		_, err := p.Parse(map[string]string{
			"X-GitHub-Event":      "push",
			"X-Hub-Signature-256": sign(secret, body),
		}, body)
		assert.NoError(t, err)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		_, err := p.Parse(map[string]string{
			"X-GitHub-Event":      "push",
			"X-Hub-Signature-256": sign("other", body),
		}, body)
		assert.Error(t, err)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		_, err := p.Parse(map[string]string{"X-GitHub-Event": "push"}, body)
		assert.Error(t, err)
	})

	t.Run("malformed signature rejected", func(t *testing.T) {
		_, err := p.Parse(map[string]string{
			"X-GitHub-Event":      "push",
			"X-Hub-Signature-256": "md5=abcdef",
		}, body)
		assert.Error(t, err)
	})

	t.Run("empty secret skips verification", func(t *testing.T) {
		open := NewGitHubParser("")
		_, err := open.Parse(map[string]string{"X-GitHub-Event": "push"}, body)
		assert.NoError(t, err)
	})
}
