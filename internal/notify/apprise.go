package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ms2sato/agent-console-sub007/internal/common/constants"
)

// AppriseProvider shells out to the apprise CLI, which fans out to whatever
// services its URLs describe.
type AppriseProvider struct {
	urls []string
}

// NewAppriseProvider creates a provider for the configured apprise URLs.
func NewAppriseProvider(urls []string) *AppriseProvider {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	return &AppriseProvider{urls: cleaned}
}

// Name implements Provider.
func (p *AppriseProvider) Name() string { return "apprise" }

// Available implements Provider.
func (p *AppriseProvider) Available() bool {
	if len(p.urls) == 0 {
		return false
	}
	_, err := exec.LookPath("apprise")
	return err == nil
}

// Send implements Provider.
func (p *AppriseProvider) Send(ctx context.Context, message Message) error {
	if !p.Available() {
		return fmt.Errorf("apprise not installed or no urls configured")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, constants.NotifySendTimeout)
	defer cancel()

	args := []string{"-t", message.Title, "-b", message.Body}
	args = append(args, p.urls...)
	cmd := exec.CommandContext(timeoutCtx, "apprise", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apprise failed: %w (%s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
