package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kortix-ai/agentpress/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot paths
	stmtAppendMessage  *sql.Stmt
	stmtListMessages   *sql.Stmt
	stmtInsertRun      *sql.Stmt
	stmtGetRun         *sql.Stmt
	stmtUpdateStatus   *sql.Stmt
	stmtUpdateResponse *sql.Stmt
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings without a DSN.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL REFERENCES threads(id),
	role          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	blocks        JSONB,
	tool_calls    JSONB,
	tool_call_id  TEXT NOT NULL DEFAULT '',
	is_llm_message BOOLEAN NOT NULL DEFAULT false,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	seq           BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS agent_runs (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL REFERENCES threads(id),
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error        TEXT NOT NULL DEFAULT '',
	responses    JSONB
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_thread ON agent_runs(thread_id, started_at);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);
`

// NewPostgresStore opens the database, verifies the connection, applies
// the schema, and prepares statements.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil || config.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, thread_id, role, content, blocks, tool_calls, tool_call_id, is_llm_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return err
	}

	s.stmtListMessages, err = s.db.Prepare(`
		SELECT id, thread_id, role, content, blocks, tool_calls, tool_call_id, is_llm_message, metadata, created_at
		FROM messages WHERE thread_id = $1 ORDER BY seq ASC`)
	if err != nil {
		return err
	}

	s.stmtInsertRun, err = s.db.Prepare(`
		INSERT INTO agent_runs (id, thread_id, status, started_at, error)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return err
	}

	s.stmtGetRun, err = s.db.Prepare(`
		SELECT id, thread_id, status, started_at, completed_at, error, responses
		FROM agent_runs WHERE id = $1`)
	if err != nil {
		return err
	}

	s.stmtUpdateStatus, err = s.db.Prepare(`
		UPDATE agent_runs
		SET status = $2,
		    error = CASE WHEN $3 <> '' THEN $3 ELSE error END,
		    completed_at = CASE WHEN $2 <> 'running' AND completed_at IS NULL THEN now() ELSE completed_at END
		WHERE id = $1 AND status = 'running'`)
	if err != nil {
		return err
	}

	s.stmtUpdateResponse, err = s.db.Prepare(`
		UPDATE agent_runs SET responses = $2 WHERE id = $1`)
	if err != nil {
		return err
	}

	return nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread.ID == "" {
		return fmt.Errorf("thread ID is required")
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	metadata, err := json.Marshal(thread.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, account_id, project_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		thread.ID, thread.AccountID, thread.ProjectID, metadata, thread.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread := &models.Thread{}
	var metadataJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, project_id, metadata, created_at
		FROM threads WHERE id = $1`, id).Scan(
		&thread.ID, &thread.AccountID, &thread.ProjectID, &metadataJSON, &thread.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &thread.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return thread, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" || msg.ThreadID == "" {
		return fmt.Errorf("message ID and thread ID are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	blocks, err := marshalOrNil(msg.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal blocks: %w", err)
	}
	toolCalls, err := marshalOrNil(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	metadata, err := marshalOrNil(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, msg.ThreadID, msg.Role, msg.Content,
		blocks, toolCalls, msg.ToolCallID, msg.IsLLMMessage, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	rows, err := s.stmtListMessages.QueryContext(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var blocks, toolCalls, metadata []byte
		if err := rows.Scan(
			&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content,
			&blocks, &toolCalls, &msg.ToolCallID, &msg.IsLLMMessage, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(blocks) > 0 {
			if err := json.Unmarshal(blocks, &msg.Blocks); err != nil {
				return nil, fmt.Errorf("failed to unmarshal blocks: %w", err)
			}
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" || run.ThreadID == "" {
		return fmt.Errorf("run ID and thread ID are required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.stmtInsertRun.ExecContext(ctx,
		run.ID, run.ThreadID, run.Status, run.StartedAt, run.Error)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	run := &models.AgentRun{}
	var completedAt sql.NullTime
	var responses []byte
	err := s.stmtGetRun.QueryRowContext(ctx, id).Scan(
		&run.ID, &run.ThreadID, &run.Status, &run.StartedAt, &completedAt, &run.Error, &responses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if len(responses) > 0 {
		run.Responses = json.RawMessage(responses)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error {
	result, err := s.stmtUpdateStatus.ExecContext(ctx, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// The statement only touches running rows; a zero update is
		// either a missing run or one already terminal.
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (s *PostgresStore) UpdateRunResponses(ctx context.Context, id string, responses json.RawMessage) error {
	result, err := s.stmtUpdateResponse.ExecContext(ctx, id, []byte(responses))
	if err != nil {
		return fmt.Errorf("failed to update run responses: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) listRuns(ctx context.Context, query string, arg any) ([]*models.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentRun
	for rows.Next() {
		run := &models.AgentRun{}
		var completedAt sql.NullTime
		var responses []byte
		if err := rows.Scan(&run.ID, &run.ThreadID, &run.Status, &run.StartedAt, &completedAt, &run.Error, &responses); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		if len(responses) > 0 {
			run.Responses = json.RawMessage(responses)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunsByThread(ctx context.Context, threadID string) ([]*models.AgentRun, error) {
	return s.listRuns(ctx, `
		SELECT id, thread_id, status, started_at, completed_at, error, responses
		FROM agent_runs WHERE thread_id = $1 ORDER BY started_at ASC`, threadID)
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.AgentRun, error) {
	return s.listRuns(ctx, `
		SELECT id, thread_id, status, started_at, completed_at, error, responses
		FROM agent_runs WHERE status = $1 ORDER BY started_at ASC`, status)
}

// Close closes prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtAppendMessage, s.stmtListMessages, s.stmtInsertRun,
		s.stmtGetRun, s.stmtUpdateStatus, s.stmtUpdateResponse,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func marshalOrNil(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []models.ContentBlock:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
