// Package sqlitestore implements Store on SQLite with WAL mode. Entities with
// nested structure (plans, inputs, metadata) are stored as JSON columns.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crewhub/internal/domain"
	"crewhub/internal/store"

	_ "modernc.org/sqlite"
)

// Store persists everything in one SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id  TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crews (
		id  TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skills (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		doc         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		objective       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		inputs          TEXT NOT NULL DEFAULT '{}',
		planned_crew    TEXT NOT NULL DEFAULT '',
		output          TEXT NOT NULL DEFAULT '',
		error           TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		started_at      TEXT NOT NULL DEFAULT '',
		completed_at    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'active',
		run_ids       TEXT NOT NULL DEFAULT '[]',
		active_run_id TEXT NOT NULL DEFAULT '',
		summary       TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		key             TEXT NOT NULL,
		sender          TEXT NOT NULL,
		type            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		metadata        TEXT NOT NULL DEFAULT '',
		timestamp       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SeedCatalog replaces the catalog contents.
func (s *Store) SeedCatalog(ctx context.Context, agents []domain.Agent, crews []domain.Crew, skills []domain.Skill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"agents", "crews", "skills"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, a := range agents {
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal agent %s: %w", a.ID, err)
		}
		if _, err := tx.Exec("INSERT INTO agents (id, doc) VALUES (?, ?)", a.ID, string(doc)); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.ID, err)
		}
	}
	for _, c := range crews {
		doc, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal crew %s: %w", c.ID, err)
		}
		if _, err := tx.Exec("INSERT INTO crews (id, doc) VALUES (?, ?)", c.ID, string(doc)); err != nil {
			return fmt.Errorf("insert crew %s: %w", c.ID, err)
		}
	}
	for _, sk := range skills {
		doc, err := json.Marshal(sk)
		if err != nil {
			return fmt.Errorf("marshal skill %s: %w", sk.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO skills (id, name, description, doc) VALUES (?, ?, ?, ?)",
			sk.ID, sk.Name, sk.Description, string(doc)); err != nil {
			return fmt.Errorf("insert skill %s: %w", sk.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var a domain.Agent
		if err := json.Unmarshal([]byte(doc), &a); err == nil {
			agents = append(agents, a)
		}
	}
	return agents, rows.Err()
}

func (s *Store) ListCrews(ctx context.Context) ([]domain.Crew, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM crews ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list crews: %w", err)
	}
	defer rows.Close()

	var crews []domain.Crew
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var c domain.Crew
		if err := json.Unmarshal([]byte(doc), &c); err == nil {
			crews = append(crews, c)
		}
	}
	return crews, rows.Err()
}

func (s *Store) GetCrew(ctx context.Context, id string) (*domain.Crew, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM crews WHERE id=?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get crew: %w", err)
	}
	var c domain.Crew
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("decode crew %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) ListSkills(ctx context.Context) ([]domain.Skill, error) {
	return s.querySkills(ctx, "SELECT doc FROM skills ORDER BY name")
}

func (s *Store) SearchSkills(ctx context.Context, query string, limit int) ([]domain.Skill, error) {
	if limit <= 0 {
		limit = 10
	}
	needle := "%" + strings.TrimSpace(query) + "%"
	return s.querySkills(ctx,
		"SELECT doc FROM skills WHERE name LIKE ? OR description LIKE ? ORDER BY name LIMIT ?",
		needle, needle, limit)
}

func (s *Store) querySkills(ctx context.Context, query string, args ...any) ([]domain.Skill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	var skills []domain.Skill
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var sk domain.Skill
		if err := json.Unmarshal([]byte(doc), &sk); err == nil {
			skills = append(skills, sk)
		}
	}
	return skills, rows.Err()
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	inputs := "{}"
	if len(run.Inputs) > 0 {
		data, err := json.Marshal(run.Inputs)
		if err != nil {
			return fmt.Errorf("marshal inputs: %w", err)
		}
		inputs = string(data)
	}
	plannedCrew := ""
	if run.PlannedCrew != nil {
		data, err := json.Marshal(run.PlannedCrew)
		if err != nil {
			return fmt.Errorf("marshal planned crew: %w", err)
		}
		plannedCrew = string(data)
	}
	errJSON := ""
	if run.Error != nil {
		data, err := json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, conversation_id, objective, status, inputs, planned_crew, output, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.Objective, string(run.Status),
		inputs, plannedCrew, run.Output, errJSON,
		formatTime(run.CreatedAt), formatTime(run.StartedAt), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, objective, status, inputs, planned_crew, output, error, created_at, started_at, completed_at
		FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status, inputs, plannedCrew, errJSON string
	var createdAt, startedAt, completedAt string
	if err := row.Scan(&run.ID, &run.ConversationID, &run.Objective, &status,
		&inputs, &plannedCrew, &run.Output, &errJSON,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if inputs != "" && inputs != "{}" {
		_ = json.Unmarshal([]byte(inputs), &run.Inputs)
	}
	if plannedCrew != "" {
		var plan domain.Plan
		if err := json.Unmarshal([]byte(plannedCrew), &plan); err == nil {
			run.PlannedCrew = &plan
		}
	}
	if errJSON != "" {
		var runErr domain.RunError
		if err := json.Unmarshal([]byte(errJSON), &runErr); err == nil {
			run.Error = &runErr
		}
	}
	run.CreatedAt = parseTime(createdAt)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, objective, status, inputs, planned_crew, output, error, created_at, started_at, completed_at
		FROM runs`
	args := []any{}
	if filter.Status != "" {
		query += " WHERE status=?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *Store) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, patch store.RunPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id=?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	currentStatus := domain.RunStatus(current)
	if currentStatus != status && !currentStatus.CanTransition(status) {
		return store.ErrInvalidTransition
	}

	sets := []string{"status=?"}
	args := []any{string(status)}
	if patch.Output != nil {
		sets = append(sets, "output=?")
		args = append(args, *patch.Output)
	}
	if patch.Error != nil {
		data, err := json.Marshal(patch.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		sets = append(sets, "error=?")
		args = append(args, string(data))
	}
	if patch.Objective != nil {
		sets = append(sets, "objective=?")
		args = append(args, *patch.Objective)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, formatTime(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, formatTime(*patch.CompletedAt))
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id=?", args...); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = domain.ConversationActive
	}
	runIDs, err := json.Marshal(append([]string{}, conv.RunIDs...))
	if err != nil {
		return fmt.Errorf("marshal run ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, status, run_ids, active_run_id, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, string(conv.Status), string(runIDs),
		conv.ActiveRunID, conv.LastRunSummary,
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, msg := range conv.Messages {
		if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, run_ids, active_run_id, summary, created_at, updated_at
		FROM conversations WHERE id=?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, sender, type, content, metadata, timestamp
		FROM messages WHERE conversation_id=? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg domain.Message
		var msgType, metadata, timestamp string
		if err := rows.Scan(&msg.Key, &msg.Sender, &msgType, &msg.Content, &metadata, &timestamp); err != nil {
			continue
		}
		msg.Type = domain.MessageType(msgType)
		if metadata != "" {
			_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
		}
		msg.Timestamp = parseTime(timestamp)
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conv, nil
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var status, runIDs, createdAt, updatedAt string
	if err := row.Scan(&conv.ID, &conv.Title, &status, &runIDs,
		&conv.ActiveRunID, &conv.LastRunSummary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.Status = domain.ConversationStatus(status)
	if runIDs != "" && runIDs != "[]" {
		_ = json.Unmarshal([]byte(runIDs), &conv.RunIDs)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, run_ids, active_run_id, summary, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			continue
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	metadata := ""
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(data)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, key, sender, type, content, metadata, timestamp)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id=?)`,
		conversationID, msg.Key, msg.Sender, string(msg.Type), msg.Content,
		metadata, formatTime(msg.Timestamp), conversationID,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at=? WHERE id=?",
		formatTime(time.Now().UTC()), conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	return s.updateConversation(ctx, id, "status=?", string(status))
}

func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	return s.updateConversation(ctx, id, "title=?", title)
}

func (s *Store) SetConversationSummary(ctx context.Context, id, summary string) error {
	return s.updateConversation(ctx, id, "summary=?", summary)
}

func (s *Store) AddRunToConversation(ctx context.Context, conversationID, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runIDsJSON string
	err = tx.QueryRowContext(ctx, "SELECT run_ids FROM conversations WHERE id=?", conversationID).Scan(&runIDsJSON)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run ids: %w", err)
	}
	var runIDs []string
	if runIDsJSON != "" {
		_ = json.Unmarshal([]byte(runIDsJSON), &runIDs)
	}
	runIDs = append(runIDs, runID)
	data, err := json.Marshal(runIDs)
	if err != nil {
		return fmt.Errorf("marshal run ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET run_ids=?, active_run_id=?, updated_at=? WHERE id=?",
		string(data), runID, formatTime(time.Now().UTC()), conversationID); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SetActiveRun(ctx context.Context, conversationID, runID string) error {
	return s.updateConversation(ctx, conversationID, "active_run_id=?", runID)
}

func (s *Store) updateConversation(ctx context.Context, id, set string, value any) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+set+", updated_at=? WHERE id=?",
		value, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
