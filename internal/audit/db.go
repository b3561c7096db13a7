// Package audit persists an append-only log of every transaction the
// keeper submits (spec's supplemented "AuditTrail" component), grounded
// on the teacher's sqlx + pgx/v5 repository pattern (internal/repository
// db.go/audit_pg.go), not the gorm dependency the teacher declares but
// never imports (see DESIGN.md).
package audit

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open connects to Postgres via the pgx stdlib driver and tunes the pool
// the same way the teacher's NewDB does.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)
	return db, nil
}
