package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetboot/discovery/internal/model"
)

// RequestLog defines the append-only log of provisioning requests used for rate limiting and audit
type RequestLog interface {
	Append(ctx context.Context, entry model.RequestLogEntry) error
	CountByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountBySerial(ctx context.Context, serial string, since time.Time) (int, error)
}

type requestLogRepo struct {
	db *sql.DB
}

// NewRequestLogRepo creates a Postgres-backed RequestLog
func NewRequestLogRepo(db *sql.DB) RequestLog {
	return &requestLogRepo{db: db}
}

// Append inserts one entry. CreatedAt defaults to now() when zero.
func (r *requestLogRepo) Append(ctx context.Context, entry model.RequestLogEntry) error {
	var createdAt any
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO request_log (ip_address, serial, endpoint, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, entry.IPAddress, entry.Serial, entry.Endpoint, entry.Success, entry.ErrorMessage, createdAt)
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

// CountByIP returns the number of register attempts from ip since the given time
func (r *requestLogRepo) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM request_log
		WHERE ip_address = $1 AND endpoint = $2 AND created_at >= $3
	`, ip, model.EndpointRegister, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests by ip: %w", err)
	}
	return count, nil
}

// CountBySerial returns the number of register attempts for serial since the given time
func (r *requestLogRepo) CountBySerial(ctx context.Context, serial string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM request_log
		WHERE serial = $1 AND endpoint = $2 AND created_at >= $3
	`, serial, model.EndpointRegister, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests by serial: %w", err)
	}
	return count, nil
}
