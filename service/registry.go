package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mobileproxy/models"

	"github.com/mattn/go-sqlite3"
)

// Registry is the durable store of devices and their configured forwards.
// It makes no bridge calls.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// UpsertDevice records an observation of serial. LastSeen is refreshed on
// every call and the device is marked connected.
func (r *Registry) UpsertDevice(ctx context.Context, serial, model, version string) (*models.Device, error) {
	if serial == "" {
		return nil, errors.New("serial must not be empty")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (serial, model, android_version, status, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			model = excluded.model,
			android_version = excluded.android_version,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		serial, model, version, models.DeviceConnected, r.now())
	if err != nil {
		return nil, fmt.Errorf("upsert device %s: %w", serial, err)
	}
	return r.GetDevice(ctx, serial)
}

// MarkUnseen sets every device not in seen to unknown.
func (r *Registry) MarkUnseen(ctx context.Context, seen []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT serial FROM devices WHERE status != ?`, models.DeviceUnknown)
	if err != nil {
		return err
	}
	var stale []string
	observed := make(map[string]bool, len(seen))
	for _, s := range seen {
		observed[s] = true
	}
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			rows.Close()
			return err
		}
		if !observed[serial] {
			stale = append(stale, serial)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, serial := range stale {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET status = ? WHERE serial = ?`, models.DeviceUnknown, serial); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Registry) GetDevice(ctx context.Context, serial string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT serial, model, android_version, status, last_seen
		FROM devices WHERE serial = ?`, serial)

	var d models.Device
	err := row.Scan(&d.Serial, &d.Model, &d.AndroidVersion, &d.Status, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Registry) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT serial, model, android_version, status, last_seen
		FROM devices ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.Serial, &d.Model, &d.AndroidVersion, &d.Status, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CreateConnection adds a stopped connection. A local port that is already
// taken by any connection, on any device, yields ErrPortConflict and no row.
func (r *Registry) CreateConnection(ctx context.Context, serial string, localPort, remotePort int) (*models.Connection, error) {
	if !validPort(localPort) || !validPort(remotePort) {
		return nil, ErrInvalidPort
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (device_serial, local_port, remote_port, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		serial, localPort, remotePort, models.ConnectionStopped, r.now())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique:
				return nil, fmt.Errorf("%w: %d", ErrPortConflict, localPort)
			case sqlite3.ErrConstraintForeignKey:
				return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
			}
		}
		return nil, fmt.Errorf("create connection: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetConnection(ctx, id)
}

const connectionColumns = `id, device_serial, local_port, remote_port, status, current_ip, last_check, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var (
		c         models.Connection
		currentIP sql.NullString
		lastCheck sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.DeviceSerial, &c.LocalPort, &c.RemotePort, &c.Status, &currentIP, &lastCheck, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.CurrentIP = currentIP.String
	if lastCheck.Valid {
		t := lastCheck.Time
		c.LastCheck = &t
	}
	return &c, nil
}

func (r *Registry) GetConnection(ctx context.Context, id int64) (*models.Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}
	return c, err
}

// ListConnections returns all connections, or only serial's when it is set.
func (r *Registry) ListConnections(ctx context.Context, serial string) ([]models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections`
	var args []any
	if serial != "" {
		query += ` WHERE device_serial = ?`
		args = append(args, serial)
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	connections := []models.Connection{}
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *c)
	}
	return connections, rows.Err()
}

// UpdateStatus sets the status of a connection. A non-empty ip is written
// together with a fresh last_check; an empty ip leaves both untouched.
// Updating a row that no longer exists returns ErrConnectionNotFound.
func (r *Registry) UpdateStatus(ctx context.Context, id int64, status models.ConnectionStatus, ip string) error {
	var (
		res sql.Result
		err error
	)
	if ip != "" {
		res, err = r.db.ExecContext(ctx,
			`UPDATE connections SET status = ?, current_ip = ?, last_check = ? WHERE id = ?`,
			status, ip, r.now(), id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE connections SET status = ? WHERE id = ?`,
			status, id)
	}
	if err != nil {
		return fmt.Errorf("update connection %d: %w", id, err)
	}
	return requireAffected(res, id)
}

func (r *Registry) DeleteConnection(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection %d: %w", id, err)
	}
	return requireAffected(res, id)
}

// DeleteDevice removes the device and every connection it owns.
func (r *Registry) DeleteDevice(ctx context.Context, serial string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE device_serial = ?`, serial); err != nil {
		return fmt.Errorf("delete connections of %s: %w", serial, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE serial = ?`, serial)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", serial, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	return tx.Commit()
}

func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
