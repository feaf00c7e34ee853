package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"

	_ "modernc.org/sqlite"
)

// SQLite is the single-file backend for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; a second writer conn
	// would only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLite(db)
}

// NewSQLite wraps an existing connection and applies the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		last_stage TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agent_steps (
		case_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		model TEXT NOT NULL,
		inputs TEXT NOT NULL,
		outputs TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		cost_micro_usd INTEGER NOT NULL,
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
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		status TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		decided_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_case ON approvals(case_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) SaveCase(ctx context.Context, c *soc.Case) error {
	query := `INSERT INTO cases (case_id, rule_id, status, position, last_stage, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.RuleID, c.Status, c.Position, c.LastStage, c.FailureReason,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (s *SQLite) GetCase(ctx context.Context, id string) (*soc.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT case_id, rule_id, status, position, last_stage, failure_reason, created_at, updated_at
		 FROM cases WHERE case_id = ?`, id)

	var c soc.Case
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.RuleID, &c.Status, &c.Position, &c.LastStage, &c.FailureReason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.CreatedAt = parseSQLTime(createdAt)
	c.UpdatedAt = parseSQLTime(updatedAt)
	return &c, nil
}

func (s *SQLite) UpdateCase(ctx context.Context, c *soc.Case) error {
	query := `UPDATE cases SET rule_id = ?, status = ?, position = ?, last_stage = ?, failure_reason = ?, updated_at = ?
		WHERE case_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		c.RuleID, c.Status, c.Position, c.LastStage, c.FailureReason,
		c.UpdatedAt.UTC().Format(time.RFC3339Nano), c.ID)
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

func (s *SQLite) ListCases(ctx context.Context) ([]*soc.Case, error) {
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
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.RuleID, &c.Status, &c.Position, &c.LastStage, &c.FailureReason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseSQLTime(createdAt)
		c.UpdatedAt = parseSQLTime(updatedAt)
		cases = append(cases, &c)
	}
	return cases, rows.Err()
}

func (s *SQLite) AppendStep(ctx context.Context, step *soc.AgentStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM agent_steps WHERE case_id = ?`, step.CaseID).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	if step.Seq != last+1 {
		return ErrNonContiguousSeq
	}

	query := `INSERT INTO agent_steps (
		case_id, seq, step_id, stage, timestamp, model, inputs, outputs,
		input_tokens, output_tokens, total_tokens, cost_micro_usd, autonomy,
		prev_hash, hash, key_version, signature, status, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		step.CaseID, step.Seq, step.StepID, step.Stage,
		step.Timestamp.UTC().Format(time.RFC3339Nano), step.Model,
		rawOrEmpty(step.Inputs), rawOrEmpty(step.Outputs),
		step.Usage.InputTokens, step.Usage.OutputTokens, step.Usage.TotalTokens,
		step.CostMicroUSD, step.Autonomy, step.PrevHash, step.Hash,
		step.KeyVersion, step.Signature, step.Status, step.Error)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return tx.Commit()
}

const stepColumns = `case_id, seq, step_id, stage, timestamp, model, inputs, outputs,
	input_tokens, output_tokens, total_tokens, cost_micro_usd, autonomy,
	prev_hash, hash, key_version, signature, status, error`

func (s *SQLite) GetChain(ctx context.Context, caseID string) ([]soc.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM agent_steps WHERE case_id = ? ORDER BY seq`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	steps := make([]soc.AgentStep, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func (s *SQLite) LastStep(ctx context.Context, caseID string) (*soc.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM agent_steps WHERE case_id = ? ORDER BY seq DESC LIMIT 1`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanStep(rows)
}

func (s *SQLite) TotalCost(ctx context.Context, caseID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_micro_usd), 0) FROM agent_steps WHERE case_id = ?`, caseID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total, nil
}

func (s *SQLite) UsageByStage(ctx context.Context, caseID string) ([]StageUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, stage, model, input_tokens, output_tokens, total_tokens, cost_micro_usd
		 FROM agent_steps WHERE case_id = ? ORDER BY seq`, caseID)
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

func (s *SQLite) Save(ctx context.Context, approval *soc.ApprovalRequest) error {
	query := `INSERT INTO approvals (
		approval_id, case_id, stage, action, justification, created_at, expires_at,
		status, decided_by, reason, decided_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		approval.ID, approval.CaseID, approval.Stage, approval.Action, approval.Justification,
		approval.CreatedAt.UTC().Format(time.RFC3339Nano),
		approval.ExpiresAt.UTC().Format(time.RFC3339Nano),
		approval.Status, approval.DecidedBy, approval.Reason, nullableTime(approval.DecidedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, approval *soc.ApprovalRequest) error {
	query := `UPDATE approvals SET status = ?, decided_by = ?, reason = ?, decided_at = ?
		WHERE approval_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		approval.Status, approval.DecidedBy, approval.Reason, nullableTime(approval.DecidedAt), approval.ID)
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

const approvalColumns = `approval_id, case_id, stage, action, justification, created_at, expires_at,
	status, decided_by, reason, decided_at`

func (s *SQLite) Get(ctx context.Context, id string) (*soc.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, id)
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
	return scanApproval(rows)
}

func (s *SQLite) ListPending(ctx context.Context) ([]*soc.ApprovalRequest, error) {
	return s.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY created_at`, soc.ApprovalPending)
}

func (s *SQLite) ListByCase(ctx context.Context, caseID string) ([]*soc.ApprovalRequest, error) {
	return s.listApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE case_id = ? ORDER BY created_at DESC`, caseID)
}

func (s *SQLite) listApprovals(ctx context.Context, query string, arg any) ([]*soc.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var approvals []*soc.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*soc.AgentStep, error) {
	var step soc.AgentStep
	var timestamp, inputs, outputs string
	err := row.Scan(&step.CaseID, &step.Seq, &step.StepID, &step.Stage, &timestamp, &step.Model,
		&inputs, &outputs,
		&step.Usage.InputTokens, &step.Usage.OutputTokens, &step.Usage.TotalTokens,
		&step.CostMicroUSD, &step.Autonomy, &step.PrevHash, &step.Hash,
		&step.KeyVersion, &step.Signature, &step.Status, &step.Error)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	step.Timestamp = parseSQLTime(timestamp)
	if inputs != "" {
		step.Inputs = json.RawMessage(inputs)
	}
	if outputs != "" {
		step.Outputs = json.RawMessage(outputs)
	}
	return &step, nil
}

func scanApproval(row rowScanner) (*soc.ApprovalRequest, error) {
	var a soc.ApprovalRequest
	var createdAt, expiresAt string
	var decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.CaseID, &a.Stage, &a.Action, &a.Justification,
		&createdAt, &expiresAt, &a.Status, &a.DecidedBy, &a.Reason, &decidedAt)
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.CreatedAt = parseSQLTime(createdAt)
	a.ExpiresAt = parseSQLTime(expiresAt)
	if decidedAt.Valid && decidedAt.String != "" {
		t := parseSQLTime(decidedAt.String)
		a.DecidedAt = &t
	}
	return &a, nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSQLTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
