package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/jaakkos/duet/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements app.Repository using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path, creating parent dirs, and migrates
// the schema to the latest version.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies all pending schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite migrations source: %w", err)
	}
	defer src.Close()
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrations driver: %w", err)
	}
	// m.Close would also close db, so only the source is closed.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite migrate up: %w", err)
	}
	return nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const (
	sessionColumns  = "id, topic, started_at, ended_at, status, mode"
	messageColumns  = "id, session_id, role, content, signal, timestamp"
	planningColumns = "session_id, current_node, request, language, codebase_context, identified_files, agent_a_analysis, agent_a_proposal, agent_b_review, validation_passed, validation_issues, final_plan, updated_at"
)

type scanner interface {
	Scan(dest ...any) error
}

// Load implements app.Repository.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	conv := &domain.Conversation{Session: session}

	last, err := scanMessage(s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("messages: %w", err)
	default:
		conv.Last = &last
	}

	p, err := scanPlanning(s.db.QueryRowContext(ctx,
		"SELECT "+planningColumns+" FROM planning_state WHERE session_id = ?", sessionID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("planning_state: %w", err)
	default:
		conv.Planning = &p
	}
	return conv, nil
}

// Save implements app.Repository. Session row, new messages and planning
// state are written in one transaction; message timestamps are clamped to
// the latest stored one so the log never goes backwards.
func (s *Store) Save(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := conv.Session.ID
	if conv.SessionChanged() {
		var endedAt any
		if conv.Session.EndedAt != nil {
			endedAt = formatTime(*conv.Session.EndedAt)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET topic = excluded.topic, ended_at = excluded.ended_at, status = excluded.status, mode = excluded.mode`,
			id, conv.Session.Topic, formatTime(conv.Session.StartedAt), endedAt, string(conv.Session.Status), string(conv.Session.Mode)); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}

	pending := conv.PendingMessages()
	ids := make([]int64, 0, len(pending))
	if len(pending) > 0 {
		floor, err := latestTimestamp(ctx, tx, id)
		if err != nil {
			return err
		}
		for i := range pending {
			m := &pending[i]
			if m.Timestamp.Before(floor) {
				m.Timestamp = floor
			}
			floor = m.Timestamp
			res, err := tx.ExecContext(ctx, "INSERT INTO messages (session_id, role, content, signal, timestamp) VALUES (?, ?, ?, ?, ?)",
				id, string(m.Role), m.Content, string(m.Signal), formatTime(m.Timestamp))
			if err != nil {
				return fmt.Errorf("save message: %w", err)
			}
			msgID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("save message: %w", err)
			}
			ids = append(ids, msgID)
		}
	}

	if conv.PlanningChanged() && conv.Planning != nil {
		if err := upsertPlanning(ctx, tx, *conv.Planning); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	conv.Committed(ids)
	return nil
}

func latestTimestamp(ctx context.Context, tx *sql.Tx, sessionID string) (time.Time, error) {
	var ts string
	err := tx.QueryRowContext(ctx, "SELECT timestamp FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest message: %w", err)
	}
	return parseTime(ts, "messages")
}

func upsertPlanning(ctx context.Context, tx *sql.Tx, p domain.PlanningState) error {
	ctxJSON, _ := json.Marshal(nonNil(p.CodebaseContext))
	files, _ := json.Marshal(nonNil(p.IdentifiedFiles))
	issues, _ := json.Marshal(nonNil(p.ValidationIssues))
	passed := 0
	if p.ValidationPassed {
		passed = 1
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO planning_state (`+planningColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			current_node = excluded.current_node, request = excluded.request, language = excluded.language,
			codebase_context = excluded.codebase_context, identified_files = excluded.identified_files,
			agent_a_analysis = excluded.agent_a_analysis, agent_a_proposal = excluded.agent_a_proposal,
			agent_b_review = excluded.agent_b_review, validation_passed = excluded.validation_passed,
			validation_issues = excluded.validation_issues, final_plan = excluded.final_plan, updated_at = excluded.updated_at`,
		p.SessionID, p.CurrentNode.String(), p.Request, string(p.Language), string(ctxJSON), string(files),
		p.AgentAAnalysis, p.AgentAProposal, p.AgentBReview, passed, string(issues), p.FinalPlan, formatTime(updated))
	if err != nil {
		return fmt.Errorf("save planning state: %w", err)
	}
	return nil
}

// Messages implements app.Repository.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ? ORDER BY id"
	args := []any{sessionID}
	if limit > 0 {
		query = "SELECT " + messageColumns + " FROM (SELECT " + messageColumns +
			" FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages iteration: %w", err)
	}
	return out, nil
}

// ListSessions implements app.Repository.
func (s *Store) ListSessions(ctx context.Context, status domain.Status) ([]domain.SessionSummary, error) {
	query := `SELECT s.id, s.topic, s.started_at, s.ended_at, s.status, s.mode, COUNT(m.id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id`
	var args []any
	if status != "" {
		query += " WHERE s.status = ?"
		args = append(args, string(status))
	}
	query += " GROUP BY s.id ORDER BY s.started_at, s.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	defer rows.Close()
	var out []domain.SessionSummary
	for rows.Next() {
		var sum domain.SessionSummary
		var started, status, mode string
		var ended sql.NullString
		if err := rows.Scan(&sum.ID, &sum.Topic, &started, &ended, &status, &mode, &sum.MessageCount); err != nil {
			return nil, err
		}
		if err := fillSession(&sum.Session, started, ended, status, mode); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions iteration: %w", err)
	}
	return out, nil
}

func (s *Store) exists(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return err
}

func scanSession(row scanner) (domain.Session, error) {
	var sess domain.Session
	var started, status, mode string
	var ended sql.NullString
	if err := row.Scan(&sess.ID, &sess.Topic, &started, &ended, &status, &mode); err != nil {
		return domain.Session{}, err
	}
	if err := fillSession(&sess, started, ended, status, mode); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

func fillSession(sess *domain.Session, started string, ended sql.NullString, status, mode string) error {
	t, err := parseTime(started, "sessions")
	if err != nil {
		return err
	}
	sess.StartedAt = t
	if ended.Valid && ended.String != "" {
		e, err := parseTime(ended.String, "sessions")
		if err != nil {
			return err
		}
		sess.EndedAt = &e
	}
	sess.Status = domain.Status(status)
	sess.Mode = domain.Mode(mode)
	return nil
}

func scanMessage(row scanner) (domain.Message, error) {
	var m domain.Message
	var role, signal, ts string
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &signal, &ts); err != nil {
		return domain.Message{}, err
	}
	t, err := parseTime(ts, "messages")
	if err != nil {
		return domain.Message{}, err
	}
	m.Role = domain.Role(role)
	m.Signal = domain.Signal(signal)
	m.Timestamp = t
	return m, nil
}

func scanPlanning(row scanner) (domain.PlanningState, error) {
	var p domain.PlanningState
	var node, lang, ctxJSON, files, issues, updated string
	var passed int
	if err := row.Scan(&p.SessionID, &node, &p.Request, &lang, &ctxJSON, &files,
		&p.AgentAAnalysis, &p.AgentAProposal, &p.AgentBReview, &passed, &issues, &p.FinalPlan, &updated); err != nil {
		return domain.PlanningState{}, err
	}
	// An unrecognized node loads as NodeUnknown; the planner decides what to do.
	p.CurrentNode, _ = domain.ParseNode(node)
	p.Language = domain.ParseLanguage(lang)
	p.ValidationPassed = passed != 0
	if err := parseJSON([]byte(ctxJSON), &p.CodebaseContext, "planning_state.codebase_context"); err != nil {
		return domain.PlanningState{}, err
	}
	if err := parseJSON([]byte(files), &p.IdentifiedFiles, "planning_state.identified_files"); err != nil {
		return domain.PlanningState{}, err
	}
	if err := parseJSON([]byte(issues), &p.ValidationIssues, "planning_state.validation_issues"); err != nil {
		return domain.PlanningState{}, err
	}
	t, err := parseTime(updated, "planning_state")
	if err != nil {
		return domain.PlanningState{}, err
	}
	p.UpdatedAt = t
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// parseJSON unmarshals b into v or returns error with context.
func parseJSON(b []byte, v any, context string) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
