package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initGraphSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initGraphSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			description TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			deliverable_type TEXT NOT NULL,
			priority_weight DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			complexity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			team_mode TEXT NOT NULL DEFAULT 'individual',
			team_agent_count INTEGER NOT NULL DEFAULT 1,
			team_requires_review BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGINT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_sender_seq ON tasks (sender_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);`,
		`CREATE TABLE IF NOT EXISTS task_edges (
			from_task TEXT NOT NULL REFERENCES tasks(id),
			to_task TEXT NOT NULL REFERENCES tasks(id),
			relation TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (from_task, to_task, relation)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_edges_to ON task_edges (to_task);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init graph schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CommitDelta(ctx context.Context, delta Delta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range delta.Tasks {
		_, err := tx.Exec(ctx,
			`INSERT INTO tasks (
				id, sender_id, description, content_hash, deliverable_type, priority_weight,
				complexity_score, team_mode, team_agent_count, team_requires_review, status,
				degraded, seq, result, error, created_at, updated_at, started_at, ended_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
			)
			ON CONFLICT (id) DO NOTHING`,
			t.ID,
			t.SenderID,
			t.Description,
			t.ContentHash,
			string(t.Deliverable),
			t.PriorityWeight,
			t.ComplexityScore,
			string(t.Team.Mode),
			t.Team.AgentCount,
			t.Team.RequiresReview,
			string(t.Status),
			t.Degraded,
			t.Seq,
			t.Result,
			t.Error,
			t.CreatedAt,
			t.UpdatedAt,
			t.StartedAt,
			t.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	for _, e := range delta.Edges {
		_, err := tx.Exec(ctx,
			`INSERT INTO task_edges (from_task, to_task, relation, confidence)
			 VALUES ($1,$2,$3,$4)
			 ON CONFLICT (from_task, to_task, relation) DO UPDATE SET confidence=EXCLUDED.confidence`,
			e.FromTask, e.ToTask, string(e.Relation), e.Confidence,
		)
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, taskID string, status Status, result, errDetail string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET
			status=$2,
			updated_at=$3,
			result=CASE WHEN $4 <> '' THEN $4 ELSE result END,
			error=CASE WHEN $5 <> '' THEN $5 ELSE error END,
			started_at=CASE WHEN $2='in_progress' AND started_at IS NULL THEN $3 ELSE started_at END,
			ended_at=CASE WHEN $2 IN ('completed','failed','cancelled') THEN $3 ELSE ended_at END
		 WHERE id=$1`,
		taskID, string(status), now, result, errDetail,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

const taskColumns = `id, sender_id, description, content_hash, deliverable_type, priority_weight,
	complexity_score, team_mode, team_agent_count, team_requires_review, status,
	degraded, seq, result, error, created_at, updated_at, started_at, ended_at`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) LoadOpenTasks(ctx context.Context, senderID string, limit int) ([]Task, []Dependency, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		 WHERE status NOT IN ('completed','failed','cancelled')`
	args := []any{}
	if senderID != "" {
		query += ` AND sender_id=$1`
		args = append(args, senderID)
	}
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("load open tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan open task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate open tasks: %w", err)
	}
	// Reverse into arrival order, oldest first.
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}

	if len(tasks) == 0 {
		return tasks, nil, nil
	}
	edges, err := s.loadEdgesForTasks(ctx, tasks)
	if err != nil {
		return nil, nil, err
	}
	return tasks, edges, nil
}

func (s *PostgresStore) LoadOpenTasksPage(ctx context.Context, afterSeq int64, pageSize int) ([]Task, []Dependency, error) {
	if pageSize <= 0 {
		pageSize = 256
	}
	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks
		 WHERE status NOT IN ('completed','failed','cancelled') AND seq > $1
		 ORDER BY seq ASC LIMIT %d`, pageSize)

	rows, err := s.pool.Query(ctx, query, afterSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("load open task page: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0, pageSize)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan open task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate open task page: %w", err)
	}
	if len(tasks) == 0 {
		return tasks, nil, nil
	}
	edges, err := s.loadEdgesForTasks(ctx, tasks)
	if err != nil {
		return nil, nil, err
	}
	return tasks, edges, nil
}

func (s *PostgresStore) loadEdgesForTasks(ctx context.Context, tasks []Task) ([]Dependency, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	edgeRows, err := s.pool.Query(ctx,
		`SELECT from_task, to_task, relation, confidence FROM task_edges
		 WHERE from_task = ANY($1) OR to_task = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer edgeRows.Close()

	edges := make([]Dependency, 0, len(tasks))
	for edgeRows.Next() {
		var e Dependency
		var rel string
		if err := edgeRows.Scan(&e.FromTask, &e.ToTask, &rel, &e.Confidence); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relation = Relation(rel)
		edges = append(edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, senderID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if senderID != "" {
		query += ` WHERE sender_id=$1`
		args = append(args, senderID)
	}
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t           Task
		deliverable string
		teamMode    string
		status      string
		started     *time.Time
		ended       *time.Time
	)
	if err := row.Scan(
		&t.ID,
		&t.SenderID,
		&t.Description,
		&t.ContentHash,
		&deliverable,
		&t.PriorityWeight,
		&t.ComplexityScore,
		&teamMode,
		&t.Team.AgentCount,
		&t.Team.RequiresReview,
		&status,
		&t.Degraded,
		&t.Seq,
		&t.Result,
		&t.Error,
		&t.CreatedAt,
		&t.UpdatedAt,
		&started,
		&ended,
	); err != nil {
		return Task{}, err
	}
	t.Deliverable = Deliverable(deliverable)
	t.Team.Mode = TeamMode(teamMode)
	t.Status = Status(status)
	t.StartedAt = started
	t.EndedAt = ended
	return t, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
