package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ms2sato/agent-console-sub007/internal/common/stringutil"
)

// maxDetailLen bounds the detail forwarded into an agent's terminal; comment
// bodies can be arbitrarily long.
const maxDetailLen = 2000

// GitHubParser verifies and parses GitHub webhook deliveries.
type GitHubParser struct {
	secret string
}

// NewGitHubParser creates a parser. An empty secret disables signature
// verification; only do that in development.
func NewGitHubParser(secret string) *GitHubParser {
	return &GitHubParser{secret: secret}
}

// ID implements Parser.
func (p *GitHubParser) ID() string { return "github" }

// githubPayload covers the fields shared by the event types we care about.
type githubPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

// Parse implements Parser.
func (p *GitHubParser) Parse(headers map[string]string, body []byte) (*Event, error) {
	if p.secret != "" {
		sig := header(headers, "X-Hub-Signature-256")
		if err := p.verifySignature(sig, body); err != nil {
			return nil, err
		}
	}

	eventType := header(headers, "X-GitHub-Event")
	if eventType == "" {
		return nil, fmt.Errorf("missing X-GitHub-Event header")
	}

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse github payload: %w", err)
	}
	if payload.Repository.FullName == "" {
		return nil, fmt.Errorf("github payload has no repository")
	}

	evt := &Event{
		Provider:   p.ID(),
		Type:       eventType,
		Repository: payload.Repository.FullName,
		Sender:     payload.Sender.Login,
	}

	switch eventType {
	case "push":
		evt.Branch = strings.TrimPrefix(payload.Ref, "refs/heads/")
		evt.Summary = fmt.Sprintf("push to %s on %s", evt.Branch, evt.Repository)
	case "pull_request":
		evt.Branch = payload.PullRequest.Head.Ref
		evt.Summary = fmt.Sprintf("pull request #%d %s: %s",
			payload.PullRequest.Number, payload.Action, payload.PullRequest.Title)
	case "issue_comment":
		evt.Summary = fmt.Sprintf("comment on #%d: %s",
			payload.Issue.Number, payload.Issue.Title)
		evt.Detail = stringutil.TruncateStringWithEllipsis(payload.Comment.Body, maxDetailLen)
	default:
		evt.Summary = fmt.Sprintf("%s on %s", eventType, evt.Repository)
	}
	return evt, nil
}

func (p *GitHubParser) verifySignature(signature string, body []byte) error {
	if signature == "" {
		return fmt.Errorf("missing webhook signature")
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return fmt.Errorf("malformed webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix))) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}

// header looks up a header case-insensitively; the payload stores them as
// plain map keys, not canonical http.Header form.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
