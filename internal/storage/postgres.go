// Package storage persists workflows, approvals, audits and escalations in
// Postgres, with a Redis read-through cache for hot tenant data.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/collectra/orchestrator/internal/core"
)

// Postgres is the relational store. All timestamps are stored UTC.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database and verifies connectivity.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, core.WrapError(core.KindDatabase, "opening postgres", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.WrapError(core.KindDatabase, "postgres ping failed", err)
	}

	slog.Info("postgres connected")
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the schema when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return core.WrapError(core.KindDatabase, "applying schema", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id UUID PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		error TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_conversation ON workflows (conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows (status)`,
	`CREATE TABLE IF NOT EXISTS approval_queue (
		id UUID PRIMARY KEY,
		workflow_id UUID NOT NULL,
		conversation_id TEXT NOT NULL,
		tenant_message TEXT NOT NULL,
		ai_reply TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		manager_action TEXT,
		final_reply TEXT,
		actioned_by TEXT,
		actioned_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_queue_status ON approval_queue (status)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		queue_entry_id UUID NOT NULL,
		action TEXT NOT NULL,
		original_reply TEXT NOT NULL,
		final_reply TEXT NOT NULL,
		reason TEXT,
		actor TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS retry_attempts (
		id UUID PRIMARY KEY,
		workflow_id UUID NOT NULL,
		reason TEXT NOT NULL,
		forced BOOLEAN NOT NULL DEFAULT FALSE,
		requested_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_plan_attempts (
		id UUID PRIMARY KEY,
		workflow_id UUID NOT NULL,
		weekly_amount NUMERIC(10,2),
		duration_weeks INT,
		start_date DATE,
		confidence_level TEXT NOT NULL,
		confidence_score DOUBLE PRECISION NOT NULL,
		source TEXT NOT NULL,
		validation_status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escalations (
		id UUID PRIMARY KEY,
		workflow_id UUID NOT NULL,
		customer_phone TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		matched_text TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escalations_workflow ON escalations (workflow_id)`,
}

// SaveWorkflow inserts a new workflow row.
func (p *Postgres) SaveWorkflow(ctx context.Context, w *core.Workflow) error {
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return core.WrapError(core.KindDatabase, "encoding workflow metadata", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workflows (id, conversation_id, tenant_id, status, started_at, updated_at, completed_at, error, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		w.ID, w.ConversationID, w.TenantID, w.Status, w.StartedAt.UTC(), w.UpdatedAt.UTC(), nullTime(w.CompletedAt), w.Error, meta)
	if err != nil {
		return core.WrapError(core.KindDatabase, "inserting workflow", err)
	}
	return nil
}

// UpdateWorkflow persists a status change.
func (p *Postgres) UpdateWorkflow(ctx context.Context, w *core.Workflow) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE workflows SET status = $2, updated_at = $3, completed_at = $4, error = NULLIF($5, '')
		 WHERE id = $1`,
		w.ID, w.Status, w.UpdatedAt.UTC(), nullTime(w.CompletedAt), w.Error)
	if err != nil {
		return core.WrapError(core.KindDatabase, "updating workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindWorkflow, "workflow %s not found", w.ID)
	}
	return nil
}

// GetWorkflow loads one workflow by id.
func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	var (
		w           core.Workflow
		completedAt sql.NullTime
		errMsg      sql.NullString
		meta        []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, tenant_id, status, started_at, updated_at, completed_at, error, metadata
		 FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.ConversationID, &w.TenantID, &w.Status, &w.StartedAt, &w.UpdatedAt, &completedAt, &errMsg, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.KindWorkflow, "workflow %s not found", id)
	}
	if err != nil {
		return nil, core.WrapError(core.KindDatabase, "loading workflow", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	w.Error = errMsg.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &w.Metadata); err != nil {
			return nil, core.WrapError(core.KindDatabase, "decoding workflow metadata", err)
		}
	}
	return &w, nil
}

// SaveQueueEntry upserts an approval queue entry.
func (p *Postgres) SaveQueueEntry(ctx context.Context, e *core.QueueEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO approval_queue
		   (id, workflow_id, conversation_id, tenant_message, ai_reply, confidence, status,
		    manager_action, final_reply, actioned_by, actioned_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   manager_action = EXCLUDED.manager_action,
		   final_reply = EXCLUDED.final_reply,
		   actioned_by = EXCLUDED.actioned_by,
		   actioned_at = EXCLUDED.actioned_at`,
		e.ID, e.WorkflowID, e.ConversationID, e.TenantMessage, e.AIReply, e.Confidence, e.Status,
		e.ManagerAction, e.FinalReply, e.ActionedBy, nullTime(e.ActionedAt), e.CreatedAt.UTC())
	if err != nil {
		return core.WrapError(core.KindDatabase, "saving queue entry", err)
	}
	return nil
}

// SaveAuditRecord appends one audit row. Audit rows are never updated.
func (p *Postgres) SaveAuditRecord(ctx context.Context, r *core.AuditRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, queue_entry_id, action, original_reply, final_reply, reason, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		r.ID, r.QueueEntryID, r.Action, r.OriginalReply, r.FinalReply, r.Reason, r.Actor, r.CreatedAt.UTC())
	if err != nil {
		return core.WrapError(core.KindDatabase, "saving audit record", err)
	}
	return nil
}

// SaveRetryAttempt records a workflow retry request.
func (p *Postgres) SaveRetryAttempt(ctx context.Context, id, workflowID, reason, requestedBy string, forced bool, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO retry_attempts (id, workflow_id, reason, forced, requested_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, workflowID, reason, forced, requestedBy, at.UTC())
	if err != nil {
		return core.WrapError(core.KindDatabase, "saving retry attempt", err)
	}
	return nil
}

// SavePaymentPlanAttempt records an extracted plan and its validation
// outcome for offline analysis.
func (p *Postgres) SavePaymentPlanAttempt(ctx context.Context, id, workflowID string, plan *core.ExtractedPaymentPlan, status core.ValidationStatus, at time.Time) error {
	var start *time.Time
	if plan.StartDate != nil {
		t := plan.StartDate.UTC()
		start = &t
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO payment_plan_attempts
		   (id, workflow_id, weekly_amount, duration_weeks, start_date, confidence_level, confidence_score, source, validation_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, workflowID, plan.WeeklyAmount, plan.DurationWeeks, nullTime(start),
		plan.ConfidenceLevel, plan.ConfidenceScore, plan.Source, status, at.UTC())
	if err != nil {
		return core.WrapError(core.KindDatabase, "saving payment plan attempt", err)
	}
	return nil
}

// SaveEscalation persists an escalation event.
func (p *Postgres) SaveEscalation(ctx context.Context, e *core.EscalationEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO escalations (id, workflow_id, customer_phone, kind, reason, confidence, matched_text, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		e.ID, e.WorkflowID, e.CustomerPhone, e.Kind, e.Reason, e.Confidence, e.MatchedText, e.Status, e.Timestamp.UTC())
	if err != nil {
		return core.WrapError(core.KindDatabase, "saving escalation", err)
	}
	return nil
}

// ListEscalations returns the most recent escalations, newest first.
func (p *Postgres) ListEscalations(ctx context.Context, limit int) ([]core.EscalationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, workflow_id, customer_phone, kind, reason, confidence, COALESCE(matched_text, ''), status, created_at
		 FROM escalations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, core.WrapError(core.KindDatabase, "listing escalations", err)
	}
	defer rows.Close()

	var out []core.EscalationEvent
	for rows.Next() {
		var e core.EscalationEvent
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.CustomerPhone, &e.Kind, &e.Reason,
			&e.Confidence, &e.MatchedText, &e.Status, &e.Timestamp); err != nil {
			return nil, core.WrapError(core.KindDatabase, "scanning escalation", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.KindDatabase, "iterating escalations", err)
	}
	return out, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
