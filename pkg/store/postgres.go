package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Postgres is the shared-database backend.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db)
}

// NewPostgres wraps an existing connection and applies the schema.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		last_stage TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agent_steps (
		case_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		step_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		model TEXT NOT NULL,
		inputs JSONB,
		outputs JSONB,
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		total_tokens BIGINT NOT NULL,
		cost_micro_usd BIGINT NOT NULL,
		autonomy TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		key_version TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (case_id, seq)
	);
	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		action TEXT NOT NULL,
		justification TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		decided_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_case ON approvals(case_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Postgres) SaveCase(ctx context.Context, c *soc.Case) error {
	query := `INSERT INTO cases (case_id, rule_id, status, position, last_stage, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.RuleID, c.Status, c.Position, c.LastStage, c.FailureReason, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrCaseExists
	}
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (s *Postgres) GetCase(ctx context.Context, id string) (*soc.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT case_id, rule_id, status, position, last_stage, failure_reason, created_at, updated_at
		 FROM cases WHERE case_id = $1`, id)

	var c soc.Case
	err := row.Scan(&c.ID, &c.RuleID, &c.Status, &c.Position, &c.LastStage, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan case: %w", err)
	}
	return &c, nil
}

func (s *Postgres) UpdateCase(ctx context.Context, c *soc.Case) error {
	query := `UPDATE cases SET rule_id = $1, status = $2, position = $3, last_stage = $4, failure_reason = $5, updated_at = $6
		WHERE case_id = $7`
	res, err := s.db.ExecContext(ctx, query,
		c.RuleID, c.Status, c.Position, c.LastStage, c.FailureReason, c.UpdatedAt.UTC(), c.ID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (s *Postgres) ListCases(ctx context.Context) ([]*soc.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id, rule_id, status, position, last_stage, failure_reason, created_at, updated_at
		 FROM cases ORDER BY created_at DESC, case_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cases []*soc.Case
	for rows.Next() {
		var c soc.Case
		if err := rows.Scan(&c.ID, &c.RuleID, &c.Status, &c.Position, &c.LastStage, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cases = append(cases, &c)
	}
	return cases, rows.Err()
}

func (s *Postgres) AppendStep(ctx context.Context, step *soc.AgentStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM agent_steps WHERE case_id = $1`, step.CaseID).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	if step.Seq != last+1 {
		return ErrNonContiguousSeq
	}

	query := `INSERT INTO agent_steps (
		case_id, seq, step_id, stage, timestamp, model, inputs, outputs,
		input_tokens, output_tokens, total_tokens, cost_micro_usd, autonomy,
		prev_hash, hash, key_version, signature, status, error
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err = tx.ExecContext(ctx, query,
		step.CaseID, step.Seq, step.StepID, step.Stage, step.Timestamp.UTC(), step.Model,
		nullableRaw(step.Inputs), nullableRaw(step.Outputs),
		step.Usage.InputTokens, step.Usage.OutputTokens, step.Usage.TotalTokens,
		step.CostMicroUSD, step.Autonomy, step.PrevHash, step.Hash,
		step.KeyVersion, step.Signature, step.Status, step.Error)
	if isUniqueViolation(err) {
		// Lost an append race for the same seq.
		return ErrNonContiguousSeq
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return tx.Commit()
}

func (s *Postgres) GetChain(ctx context.Context, caseID string) ([]soc.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM agent_steps WHERE case_id = $1 ORDER BY seq`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	steps := make([]soc.AgentStep, 0)
	for rows.Next() {
		step, err := scanPGStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func (s *Postgres) LastStep(ctx context.Context, caseID string) (*soc.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM agent_steps WHERE case_id = $1 ORDER BY seq DESC LIMIT 1`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPGStep(rows)
}

func (s *Postgres) TotalCost(ctx context.Context, caseID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_micro_usd), 0) FROM agent_steps WHERE case_id = $1`, caseID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total, nil
}

func (s *Postgres) UsageByStage(ctx context.Context, caseID string) ([]StageUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, stage, model, input_tokens, output_tokens, total_tokens, cost_micro_usd
		 FROM agent_steps WHERE case_id = $1 ORDER BY seq`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	usage := make([]StageUsage, 0)
	for rows.Next() {
		var u StageUsage
		if err := rows.Scan(&u.Seq, &u.Stage, &u.Model,
			&u.Usage.InputTokens, &u.Usage.OutputTokens, &u.Usage.TotalTokens, &u.CostMicroUSD); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (s *Postgres) Save(ctx context.Context, approval *soc.ApprovalRequest) error {
	query := `INSERT INTO approvals (
		approval_id, case_id, stage, action, justification, created_at, expires_at,
		status, decided_by, reason, decided_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.ExecContext(ctx, query,
		approval.ID, approval.CaseID, approval.Stage, approval.Action, approval.Justification,
		approval.CreatedAt.UTC(), approval.ExpiresAt.UTC(),
		approval.Status, approval.DecidedBy, approval.Reason, nullablePGTime(approval.DecidedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *Postgres) Update(ctx context.Context, approval *soc.ApprovalRequest) error {
	query := `UPDATE approvals SET status = $1, decided_by = $2, reason = $3, decided_at = $4
		WHERE approval_id = $5`
	res, err := s.db.ExecContext(ctx, query,
		approval.Status, approval.DecidedBy, approval.Reason, nullablePGTime(approval.DecidedAt), approval.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return escalation.ErrNotFound
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*soc.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, escalation.ErrNotFound
	}
	return scanPGApproval(rows)
}

func (s *Postgres) ListPending(ctx context.Context) ([]*soc.ApprovalRequest, error) {
	return s.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = $1 ORDER BY created_at`, soc.ApprovalPending)
}

func (s *Postgres) ListByCase(ctx context.Context, caseID string) ([]*soc.ApprovalRequest, error) {
	return s.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
}

func (s *Postgres) listApprovals(ctx context.Context, query string, arg any) ([]*soc.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var approvals []*soc.ApprovalRequest
	for rows.Next() {
		a, err := scanPGApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func scanPGStep(row rowScanner) (*soc.AgentStep, error) {
	var step soc.AgentStep
	var inputs, outputs []byte
	err := row.Scan(&step.CaseID, &step.Seq, &step.StepID, &step.Stage, &step.Timestamp, &step.Model,
		&inputs, &outputs,
		&step.Usage.InputTokens, &step.Usage.OutputTokens, &step.Usage.TotalTokens,
		&step.CostMicroUSD, &step.Autonomy, &step.PrevHash, &step.Hash,
		&step.KeyVersion, &step.Signature, &step.Status, &step.Error)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	step.Timestamp = step.Timestamp.UTC()
	if len(inputs) > 0 {
		step.Inputs = json.RawMessage(inputs)
	}
	if len(outputs) > 0 {
		step.Outputs = json.RawMessage(outputs)
	}
	return &step, nil
}

func scanPGApproval(row rowScanner) (*soc.ApprovalRequest, error) {
	var a soc.ApprovalRequest
	var decidedAt sql.NullTime
	err := row.Scan(&a.ID, &a.CaseID, &a.Stage, &a.Action, &a.Justification,
		&a.CreatedAt, &a.ExpiresAt, &a.Status, &a.DecidedBy, &a.Reason, &decidedAt)
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		a.DecidedAt = &t
	}
	return &a, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullablePGTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
