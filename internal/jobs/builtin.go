// Package jobs supplies a small set of built-in JobInvoker implementations,
// registered by name into an internal/registry.Registry so operators can
// point a job's class_identity at them directly instead of always writing a
// Go package of their own. The scheduling engine itself never depends on
// any concrete job body.
package jobs

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/riverfield/crontabber/internal/registry"
)

// RegisterBuiltins adds "exec.command" and "http.ping" to reg.
func RegisterBuiltins(reg *registry.Registry) {
	reg.Register("exec.command", newCommandInvoker)
	reg.Register("http.ping", newHTTPPingInvoker)
}

// commandInvoker runs a shell command via os/exec; a nonzero exit becomes
// the job's captured failure.
type commandInvoker struct {
	command string
	timeout time.Duration
}

func newCommandInvoker(config map[string]any) (descriptor.JobInvoker, error) {
	cmd, _ := config["command"].(string)
	if cmd == "" {
		return nil, fmt.Errorf("exec.command: config.command is required")
	}
	timeout := 5 * time.Minute
	if raw, ok := config["timeout"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("exec.command: invalid timeout: %w", err)
		}
		timeout = d
	}
	return &commandInvoker{command: cmd, timeout: timeout}, nil
}

func (c *commandInvoker) Invoke(ctx context.Context, _ *ledger.JobState) (<-chan descriptor.InvokeResult, error) {
	ch := make(chan descriptor.InvokeResult, 1)
	go func() {
		defer close(ch)
		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		// #nosec G204 -- command is operator-configured, not user input
		cmd := exec.CommandContext(runCtx, "sh", "-c", c.command)
		if err := cmd.Run(); err != nil {
			ch <- descriptor.InvokeResult{Err: fmt.Errorf("exec.command %q: %w", c.command, err)}
			return
		}
		ch <- descriptor.InvokeResult{Success: time.Now().UTC()}
	}()
	return ch, nil
}

// httpPingInvoker fires a GET request; any non-2xx status or transport error
// becomes the job's captured failure.
type httpPingInvoker struct {
	url    string
	client *http.Client
}

func newHTTPPingInvoker(config map[string]any) (descriptor.JobInvoker, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.ping: config.url is required")
	}
	timeout := 30 * time.Second
	if raw, ok := config["timeout"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("http.ping: invalid timeout: %w", err)
		}
		timeout = d
	}
	return &httpPingInvoker{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (h *httpPingInvoker) Invoke(ctx context.Context, _ *ledger.JobState) (<-chan descriptor.InvokeResult, error) {
	ch := make(chan descriptor.InvokeResult, 1)
	go func() {
		defer close(ch)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
		if err != nil {
			ch <- descriptor.InvokeResult{Err: err}
			return
		}
		resp, err := h.client.Do(req)
		if err != nil {
			ch <- descriptor.InvokeResult{Err: err}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			ch <- descriptor.InvokeResult{Err: fmt.Errorf("http.ping %s: status %d", h.url, resp.StatusCode)}
			return
		}
		ch <- descriptor.InvokeResult{Success: time.Now().UTC()}
	}()
	return ch, nil
}
