package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetboot/discovery/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrDeviceNotFound is returned when no record exists for a serial or hostname
var ErrDeviceNotFound = errors.New("device not found")

// ErrHostnameTaken is returned when a hostname is already assigned to another serial
var ErrHostnameTaken = errors.New("hostname already assigned")

// Ledger is the persistent store mapping device serial to hostname and lifecycle state
type Ledger interface {
	NextHostname(ctx context.Context, prefix string) (string, error)
	RegisterIfAbsent(ctx context.Context, reg model.DeviceRegistration) (created bool, err error)
	Register(ctx context.Context, prefix string, reg model.DeviceRegistration) (device model.Device, created bool, err error)
	GetBySerial(ctx context.Context, serial string) (model.Device, error)
	GetByHostname(ctx context.Context, hostname string) (model.Device, error)
	Confirm(ctx context.Context, serial string, status model.DeviceStatus, errorMessage *string) (updated bool, err error)
	Statistics(ctx context.Context) (model.Statistics, error)
}

// FormatHostname renders the n-th hostname for prefix (prefix-01, prefix-02, ..., prefix-100)
func FormatHostname(prefix string, n int64) string {
	return fmt.Sprintf("%s-%02d", prefix, n)
}

type deviceRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewDeviceRepo creates a Postgres-backed Ledger
func NewDeviceRepo(db *sql.DB) Ledger {
	return &deviceRepo{db: db, now: time.Now}
}

const deviceColumns = `
	id, serial, mac, hostname, ip_address, registered_at, confirmed_at,
	status, error_message, request_count`

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NextHostname atomically increments the counter row for prefix and returns the new hostname.
// The row lock taken by the upsert serializes concurrent callers for the same prefix.
func (r *deviceRepo) NextHostname(ctx context.Context, prefix string) (string, error) {
	n, err := incrementCounter(ctx, r.db, prefix)
	if err != nil {
		return "", err
	}
	return FormatHostname(prefix, n), nil
}

func incrementCounter(ctx context.Context, q queryer, prefix string) (int64, error) {
	var counter int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO hostname_counters (prefix, counter)
		VALUES ($1, 1)
		ON CONFLICT (prefix) DO UPDATE SET counter = hostname_counters.counter + 1
		RETURNING counter
	`, prefix).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("increment hostname counter: %w", err)
	}
	return counter, nil
}

// RegisterIfAbsent inserts a device record. An existing serial is not an error:
// it returns created=false and only bumps request_count and the last seen IP.
func (r *deviceRepo) RegisterIfAbsent(ctx context.Context, reg model.DeviceRegistration) (bool, error) {
	return insertIfAbsent(ctx, r.db, reg, r.now())
}

func insertIfAbsent(ctx context.Context, q queryer, reg model.DeviceRegistration, now time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, `
		INSERT INTO registrations (serial, mac, hostname, ip_address, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (serial) DO NOTHING
	`, reg.Serial, reg.MAC, reg.Hostname, nullString(reg.IPAddress), now)
	if err != nil {
		if isUniqueViolation(err, "registrations_hostname_key") {
			return false, ErrHostnameTaken
		}
		return false, fmt.Errorf("insert registration: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return true, nil
	}

	if err := touch(ctx, q, reg.Serial, reg.IPAddress); err != nil {
		return false, err
	}
	return false, nil
}

func touch(ctx context.Context, q queryer, serial, ip string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE registrations
		SET request_count = request_count + 1,
		    ip_address = COALESCE($2, ip_address)
		WHERE serial = $1
	`, serial, nullString(ip))
	if err != nil {
		return fmt.Errorf("update request count: %w", err)
	}
	return nil
}

// Register returns the existing record for reg.Serial, or allocates the next hostname
// for prefix and inserts a new record. Allocation and insertion share one transaction,
// so a failed insert rolls the counter back instead of burning a hostname.
func (r *deviceRepo) Register(ctx context.Context, prefix string, reg model.DeviceRegistration) (model.Device, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Device{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Advisory lock: serialize registrations per serial so concurrent retries
	// from the same device never race for two hostnames.
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, reg.Serial)
	if err != nil {
		return model.Device{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanDevice(tx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM registrations WHERE serial = $1`, reg.Serial))
	switch {
	case err == nil:
		if err := touch(ctx, tx, reg.Serial, reg.IPAddress); err != nil {
			return model.Device{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return model.Device{}, false, fmt.Errorf("commit: %w", err)
		}
		existing.RequestCount++
		return existing, false, nil
	case !errors.Is(err, ErrDeviceNotFound):
		return model.Device{}, false, err
	}

	n, err := incrementCounter(ctx, tx, prefix)
	if err != nil {
		return model.Device{}, false, err
	}
	reg.Hostname = FormatHostname(prefix, n)

	device, err := scanDevice(tx.QueryRowContext(ctx, `
		INSERT INTO registrations (serial, mac, hostname, ip_address, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+deviceColumns,
		reg.Serial, reg.MAC, reg.Hostname, nullString(reg.IPAddress), r.now()))
	if err != nil {
		return model.Device{}, false, fmt.Errorf("insert registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Device{}, false, fmt.Errorf("commit: %w", err)
	}
	return device, true, nil
}

// GetBySerial retrieves a device by serial
func (r *deviceRepo) GetBySerial(ctx context.Context, serial string) (model.Device, error) {
	return scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM registrations WHERE serial = $1`, serial))
}

// GetByHostname retrieves a device by hostname
func (r *deviceRepo) GetByHostname(ctx context.Context, hostname string) (model.Device, error) {
	return scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM registrations WHERE hostname = $1`, hostname))
}

// Confirm records the bootstrap outcome. Last write wins.
func (r *deviceRepo) Confirm(ctx context.Context, serial string, status model.DeviceStatus, errorMessage *string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE registrations
		SET confirmed_at = $2, status = $3, error_message = $4
		WHERE serial = $1
	`, serial, r.now(), string(status), errorMessage)
	if err != nil {
		return false, fmt.Errorf("confirm device: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Statistics aggregates the registrations table
func (r *deviceRepo) Statistics(ctx context.Context) (model.Statistics, error) {
	var stats model.Statistics
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE confirmed_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failure'),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       MAX(registered_at)
		FROM registrations
	`).Scan(
		&stats.Total,
		&stats.Confirmed,
		&stats.Successful,
		&stats.Failed,
		&stats.Pending,
		&last,
	)
	if err != nil {
		return model.Statistics{}, fmt.Errorf("query statistics: %w", err)
	}
	if last.Valid {
		t := last.Time
		stats.LastRegisteredAt = &t
	}
	return stats, nil
}

func scanDevice(row *sql.Row) (model.Device, error) {
	var device model.Device
	var idStr, status string
	err := row.Scan(
		&idStr,
		&device.Serial,
		&device.MAC,
		&device.Hostname,
		&device.IPAddress,
		&device.RegisteredAt,
		&device.ConfirmedAt,
		&status,
		&device.ErrorMessage,
		&device.RequestCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrDeviceNotFound
		}
		return model.Device{}, fmt.Errorf("query device: %w", err)
	}

	device.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Device{}, fmt.Errorf("parse device ID: %w", err)
	}
	device.Status = model.DeviceStatus(status)
	return device, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
