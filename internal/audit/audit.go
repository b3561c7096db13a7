package audit

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Submission is one recorded transaction the keeper sent to the chain.
type Submission struct {
	ID          string    `db:"id"`
	Market      string    `db:"market"`
	Account     string    `db:"account"`
	Action      string    `db:"action"` // executeDelayedOrder, flagPosition, liquidatePosition, ...
	TxHash      string    `db:"tx_hash"`
	Success     bool      `db:"success"`
	Error       string    `db:"error"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// Trail is the append-only submission log. A nil *Trail is valid and every
// method becomes a no-op, so wiring a database is optional.
type Trail struct {
	db *sqlx.DB
}

// NewTrail wraps db as an AuditTrail, creating its table at construction
// the same way the teacher's PostgresAuditRepo does in its constructor.
func NewTrail(db *sqlx.DB) (*Trail, error) {
	t := &Trail{db: db}
	if err := t.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trail) ensureSchema(ctx context.Context) error {
	if t == nil || t.db == nil {
		return nil
	}
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keeper_submissions (
			id TEXT PRIMARY KEY,
			market TEXT NOT NULL,
			account TEXT NOT NULL,
			action TEXT NOT NULL,
			tx_hash TEXT,
			success BOOLEAN NOT NULL,
			error TEXT,
			submitted_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = t.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_keeper_submissions_market ON keeper_submissions(market, submitted_at DESC)`)
	return nil
}

// Record appends one submission outcome and returns the insert error, if
// any. The keeper's recordAudit helper only logs that error, so a database
// hiccup never blocks a keeper's execute path.
func (t *Trail) Record(ctx context.Context, market string, account common.Address, action string, txHash common.Hash, submitErr error) error {
	if t == nil || t.db == nil {
		return nil
	}
	s := Submission{
		ID:          uuid.NewString(),
		Market:      market,
		Account:     account.Hex(),
		Action:      action,
		TxHash:      txHash.Hex(),
		Success:     submitErr == nil,
		SubmittedAt: time.Now().UTC(),
	}
	if submitErr != nil {
		s.Error = submitErr.Error()
	}
	_, err := t.db.NamedExecContext(ctx, `
		INSERT INTO keeper_submissions (id, market, account, action, tx_hash, success, error, submitted_at)
		VALUES (:id, :market, :account, :action, :tx_hash, :success, :error, :submitted_at)
	`, s)
	return err
}

// Recent returns the last limit submissions for market, newest first. The
// admin HTTP surface's /debug/keepers endpoint does not call it.
func (t *Trail) Recent(ctx context.Context, market string, limit int) ([]Submission, error) {
	if t == nil || t.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Submission
	err := t.db.SelectContext(ctx, &out, `
		SELECT id, market, account, action, tx_hash, success, error, submitted_at
		FROM keeper_submissions WHERE market = $1
		ORDER BY submitted_at DESC LIMIT $2
	`, market, limit)
	return out, err
}
