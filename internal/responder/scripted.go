package responder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jaakkos/duet/internal/domain"
)

// Scripted replies with a fixed sequence of lines. Each line may carry a
// signal marker; once the script is exhausted it hands over.
type Scripted struct {
	role  domain.Role
	mu    sync.Mutex
	lines []string
	next  int
}

// NewScripted returns a scripted responder for role.
func NewScripted(role domain.Role, lines ...string) *Scripted {
	return &Scripted{role: role, lines: lines}
}

// Respond returns the next scripted line.
func (s *Scripted) Respond(ctx context.Context, prior domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.lines) {
		return domain.Message{
			SessionID: prior.SessionID,
			Role:      s.role,
			Content:   fmt.Sprintf("%s has nothing more to add.", s.role.DisplayName()),
			Signal:    domain.SignalHandover,
		}, nil
	}
	content, signal := ParseOutput(s.lines[s.next])
	s.next++
	if strings.TrimSpace(content) == "" {
		content = "(no comment)"
	}
	return domain.Message{SessionID: prior.SessionID, Role: s.role, Content: content, Signal: signal}, nil
}
