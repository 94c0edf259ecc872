package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/pkg/flow"
)

// subProcessTimeout bounds one CLI invocation, grounded on the reference
// claude_cli provider's 300-second tokio timeout.
const subProcessTimeout = 300 * time.Second

// SubProcessCliProvider drives a locally installed agent CLI (e.g. the
// "claude" binary) as a subprocess per request, grounded on the reference
// claude_cli.rs: it has no streaming and no tool-call support, so every
// Complete call is one full process invocation whose stdout is parsed as a
// single JSON result (or used verbatim if not JSON).
type SubProcessCliProvider struct {
	binPath      string
	defaultModel string
	extraArgs    []string
}

type SubProcessCliConfig struct {
	// BinPath is an absolute path or bare name resolved via exec.LookPath.
	BinPath      string
	DefaultModel string
	ExtraArgs    []string
}

func NewSubProcessCliProvider(cfg SubProcessCliConfig) (*SubProcessCliProvider, error) {
	bin := cfg.BinPath
	if bin == "" {
		bin = "claude"
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("sub_process_cli: %s not found in PATH: %w", bin, err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "haiku"
	}
	return &SubProcessCliProvider{binPath: resolved, defaultModel: model, extraArgs: cfg.ExtraArgs}, nil
}

func (p *SubProcessCliProvider) Name() flow.ProviderKind { return flow.ProviderSubProcessCLI }

// SupportsTools is false: the CLI is driven as a one-shot text prompt with
// no channel back for tool results.
func (p *SubProcessCliProvider) SupportsTools() bool { return false }

func (p *SubProcessCliProvider) Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error) {
	start := time.Now()

	model := cfg.Model
	if model == "" {
		model = p.defaultModel
	}
	prompt := buildCliPrompt(conv)

	ctx, cancel := context.WithTimeout(ctx, subProcessTimeout)
	defer cancel()

	args := append([]string{
		"-p",
		"--model", model,
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--no-session-persistence",
		"--disable-slash-commands",
	}, p.extraArgs...)
	if conv.System != "" && len(conv.Messages) <= 2 {
		args = append(args, "--system-prompt", conv.System)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, p.binPath, args...)
	cmd.Dir = workDir()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return LlmResponse{}, wrapProviderErr("sub_process_cli", errors.New("timeout"))
		}
		return LlmResponse{}, wrapProviderErr("sub_process_cli", fmt.Errorf("%s: %s", err, stderr.String()))
	}

	content, modelUsed := parseCliOutput(strings.TrimSpace(stdout.String()))

	return LlmResponse{
		Success:   true,
		Content:   content,
		ModelUsed: modelUsed,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// buildCliPrompt flattens a conversation into the single-string prompt the
// CLI expects, grounded on the reference's role-prefixed join with the
// single-user-turn shortcut.
func buildCliPrompt(conv Conversation) string {
	var parts []string
	for _, msg := range conv.Messages {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, "User: "+msg.Content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+msg.Content)
		}
	}
	if len(parts) == 1 && strings.HasPrefix(parts[0], "User: ") {
		return strings.TrimPrefix(parts[0], "User: ")
	}
	joined := strings.Join(parts, "\n\n")
	if conv.System != "" {
		joined = fmt.Sprintf("System: %s\n\n%s", conv.System, joined)
	}
	return joined
}

func parseCliOutput(stdout string) (content, modelUsed string) {
	var result struct {
		Result string `json:"result"`
		Model  string `json:"model"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil || result.Result == "" {
		return stdout, "claude-code-cli"
	}
	modelUsed = result.Model
	if modelUsed == "" {
		modelUsed = "claude-code-cli"
	}
	return result.Result, modelUsed
}

func workDir() string {
	for _, env := range []string{"TMPDIR", "TEMP", "TMP"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "/tmp"
}
