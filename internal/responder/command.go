// Package responder provides app.Responder implementations: external CLI
// processes spawned per turn, and scripted replies for demos and tests.
package responder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
)

const (
	defaultTimeout = 5 * time.Minute

	// HandoverMarker in a command's output ends automatic turn-taking.
	HandoverMarker = "[HANDOVER]"
	// StopMarker is accepted but downgraded to HANDOVER by the coordinator.
	StopMarker = "[STOP]"
)

// CommandConfig describes one external responder process.
type CommandConfig struct {
	Role       domain.Role
	Command    []string          // argv; {role} and {session} are expanded
	Dir        string            // working directory, defaults to the current one
	Timeout    time.Duration     // per call
	Env        map[string]string // merged on top, ${VAR} expanded from the parent env
	InheritEnv []string          // glob patterns; empty inherits everything, ["none"] nothing
}

// Command runs a CLI once per turn. The prior message is written to stdin and
// stdout becomes the reply.
type Command struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommand validates cfg and returns the responder.
func NewCommand(cfg CommandConfig, logger *zap.Logger) (*Command, error) {
	if !cfg.Role.IsResponder() {
		return nil, fmt.Errorf("command responder: invalid role %q", cfg.Role)
	}
	if len(cfg.Command) == 0 {
		return nil, errors.New("command responder: empty command")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Command{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "responder"), zap.String("role", string(cfg.Role))),
	}, nil
}

// Respond runs the command and parses its output.
func (c *Command) Respond(ctx context.Context, prior domain.Message) (domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	args := expandTemplates(c.cfg.Command, c.cfg.Role, prior.SessionID)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = buildEnv(c.cfg, prior.SessionID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so grandchildren do not hold stdout open.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	cmd.Stdin = strings.NewReader(prior.Content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Message{}, fmt.Errorf("%s timed out after %s", args[0], c.cfg.Timeout)
		}
		return domain.Message{}, fmt.Errorf("%s exited after %s: %w: %s",
			args[0], time.Since(start).Round(time.Millisecond), err, lastLine(stderr.String()))
	}
	if stderr.Len() > 0 {
		c.logger.Debug("responder stderr",
			zap.String("session_id", prior.SessionID),
			zap.String("stderr", stderr.String()))
	}

	content, signal := ParseOutput(stdout.String())
	if content == "" {
		return domain.Message{}, fmt.Errorf("%s produced no output", args[0])
	}
	c.logger.Debug("responder completed",
		zap.String("session_id", prior.SessionID),
		zap.Duration("duration", time.Since(start)))
	return domain.Message{
		SessionID: prior.SessionID,
		Role:      c.cfg.Role,
		Content:   content,
		Signal:    signal,
	}, nil
}

// ParseOutput strips signal markers from raw output and returns the content
// and the signal they request. Without a marker the signal is CONTINUE.
func ParseOutput(raw string) (string, domain.Signal) {
	signal := domain.SignalContinue
	switch {
	case strings.Contains(raw, StopMarker):
		signal = domain.SignalStop
	case strings.Contains(raw, HandoverMarker):
		signal = domain.SignalHandover
	}
	content := strings.NewReplacer(HandoverMarker, "", StopMarker, "").Replace(raw)
	return strings.TrimSpace(content), signal
}

// buildEnv layers the child environment: the inherited parent env (filtered
// by InheritEnv), DUET_ROLE and DUET_SESSION, then the configured vars.
func buildEnv(c CommandConfig, sessionID string) []string {
	parentEnv := os.Environ()
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	switch {
	case len(c.InheritEnv) == 1 && strings.EqualFold(c.InheritEnv[0], "none"):
	case len(c.InheritEnv) > 0:
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range c.InheritEnv {
				if matched, _ := filepath.Match(pattern, k); matched {
					base = append(base, e)
					break
				}
			}
		}
	default:
		base = append([]string(nil), parentEnv...)
	}

	base = setEnvVar(base, "DUET_ROLE", string(c.Role))
	base = setEnvVar(base, "DUET_SESSION", sessionID)
	for k, v := range c.Env {
		expanded := os.Expand(v, func(key string) string { return parentMap[key] })
		base = setEnvVar(base, k, expanded)
	}
	return base
}

func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func expandTemplates(args []string, role domain.Role, sessionID string) []string {
	r := strings.NewReplacer("{role}", string(role), "{session}", sessionID)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
