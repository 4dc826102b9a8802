package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
)

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPollInterval = 10 * time.Second

	startSignalPrefix   = "signal_"
	advanceSignalPrefix = "continue_"
	signalSuffix        = ".txt"
)

// SignalDrop watches a directory for trigger files dropped by external
// processes: signal_<id>.txt requests start, continue_<id>.txt requests
// advance. Each file is deleted as it is read, then forwarded to the trigger
// queue. A non-empty file body is appended to the session as a human message
// first.
type SignalDrop struct {
	dir          string
	svc          *ConversationService
	logger       *zap.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	scanMu        sync.Mutex // one scan at a time so a file is consumed once
}

// SignalDropOption configures the signal drop.
type SignalDropOption func(*SignalDrop)

// WithPollInterval sets the fallback poll interval (default 10s).
func WithPollInterval(d time.Duration) SignalDropOption {
	return func(s *SignalDrop) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewSignalDrop creates a signal drop over dir. Triggers go to the queue
// attached to svc.
func NewSignalDrop(dir string, svc *ConversationService, logger *zap.Logger, opts ...SignalDropOption) *SignalDrop {
	s := &SignalDrop{
		dir:          dir,
		svc:          svc,
		logger:       logger.With(zap.String("component", "signal_drop")),
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start watches the directory until ctx is cancelled. If fsnotify cannot be
// initialized it falls back to polling only.
func (s *SignalDrop) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	s.scanLogged(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify init failed, using poll-only", zap.Error(err))
	} else if err := watcher.Add(s.dir); err != nil {
		s.logger.Warn("fsnotify add failed, using poll-only", zap.String("dir", s.dir), zap.Error(err))
		_ = watcher.Close()
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		go s.watchLoop(ctx, watcher)
	}

	s.logger.Info("signal drop started",
		zap.String("dir", s.dir),
		zap.Bool("fsnotify", watcher != nil),
		zap.Duration("poll_interval", s.pollInterval))
	s.pollLoop(ctx)
	return nil
}

func (s *SignalDrop) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, _, ok := parseSignalName(filepath.Base(event.Name)); !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.triggerDebounced(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("fsnotify error", zap.Error(err))
		}
	}
}

func (s *SignalDrop) triggerDebounced(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounce, func() { s.scanLogged(ctx) })
}

func (s *SignalDrop) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.debounceTimer != nil {
				s.debounceTimer.Stop()
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.scanLogged(ctx)
		}
	}
}

func (s *SignalDrop) scanLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Scan(ctx); err != nil {
		s.logger.Warn("signal scan failed", zap.Error(err))
	}
}

// Scan consumes every signal file currently in the directory and returns the
// number of triggers forwarded.
func (s *SignalDrop) Scan(ctx context.Context) (int, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read signal dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// Starts before advances for the same scan.
	sort.SliceStable(names, func(a, b int) bool {
		return strings.HasPrefix(names[a], startSignalPrefix) && !strings.HasPrefix(names[b], startSignalPrefix)
	})

	forwarded := 0
	for _, name := range names {
		kind, sessionID, ok := parseSignalName(name)
		if !ok {
			continue
		}
		body, ok := s.consume(filepath.Join(s.dir, name))
		if !ok {
			continue
		}
		if body != "" {
			s.injectBody(ctx, sessionID, body)
		}
		if _, err := s.svc.Enqueue(ctx, kind, sessionID); err != nil {
			s.logger.Warn("failed to forward signal",
				zap.String("session_id", sessionID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		forwarded++
		s.logger.Info("signal consumed",
			zap.String("session_id", sessionID),
			zap.String("kind", string(kind)))
	}
	return forwarded, nil
}

// consume reads and deletes path. A file another consumer already removed
// is reported as not consumed.
func (s *SignalDrop) consume(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	if err := os.Remove(path); err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// injectBody appends body as a human message under the session lock so it
// lands after any turn in flight.
func (s *SignalDrop) injectBody(ctx context.Context, sessionID, body string) {
	unlock := s.svc.Locks().Lock(sessionID)
	defer unlock()
	err := s.svc.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Session.Status == domain.StatusCompleted {
			return domain.ErrSessionClosed
		}
		conv.Append(domain.Message{Role: domain.RoleHuman, Content: body, Signal: domain.SignalContinue})
		return nil
	})
	if err != nil {
		s.logger.Warn("signal body not injected",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func parseSignalName(name string) (domain.TriggerKind, string, bool) {
	if !strings.HasSuffix(name, signalSuffix) {
		return "", "", false
	}
	base := strings.TrimSuffix(name, signalSuffix)
	var kind domain.TriggerKind
	switch {
	case strings.HasPrefix(base, startSignalPrefix):
		kind, base = domain.TriggerStart, strings.TrimPrefix(base, startSignalPrefix)
	case strings.HasPrefix(base, advanceSignalPrefix):
		kind, base = domain.TriggerAdvance, strings.TrimPrefix(base, advanceSignalPrefix)
	default:
		return "", "", false
	}
	if base == "" {
		return "", "", false
	}
	return kind, base, true
}

// SignalFileName returns the file name that requests kind for sessionID.
func SignalFileName(kind domain.TriggerKind, sessionID string) string {
	if kind == domain.TriggerStart {
		return startSignalPrefix + sessionID + signalSuffix
	}
	return advanceSignalPrefix + sessionID + signalSuffix
}

// DropSignal writes a signal file for sessionID into dir. The file is written
// under a temporary name and renamed so watchers never see a partial body.
func DropSignal(dir string, kind domain.TriggerKind, sessionID, body string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	final := filepath.Join(dir, SignalFileName(kind, sessionID))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}
