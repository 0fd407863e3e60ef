package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"deployd/internal/domain"
)

const serverColumns = `id,name,ip,type,region,status,hook_key,notification_key,next_port,stats,created_at,updated_at`

func scanServer(row scanner) (domain.Server, error) {
	var (
		s                    domain.Server
		stats                string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.IP, &s.Type, &s.Region, &s.Status, &s.HookKey, &s.NotificationKey, &s.NextPort, &stats, &createdAt, &updatedAt); err != nil {
		return domain.Server{}, err
	}
	s.Stats = json.RawMessage(stats)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return s, nil
}

// newServerID returns an id usable as a DNS label.
func newServerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *SQLiteRepo) CreateServer(ctx context.Context, s domain.Server) (domain.Server, error) {
	if s.ID == "" {
		s.ID = newServerID()
	}
	if s.Status == "" {
		s.Status = domain.ServerInstall
	}
	if s.NextPort == 0 {
		s.NextPort = domain.FirstServicePort
	}
	if len(s.Stats) == 0 {
		s.Stats = json.RawMessage(`{}`)
	}
	now := r.now()
	s.CreatedAt, s.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO servers (`+serverColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, s.ID, s.Name, s.IP, s.Type, s.Region, string(s.Status), s.HookKey, s.NotificationKey, s.NextPort, string(s.Stats), millis(now), millis(now))
	if err != nil {
		return domain.Server{}, err
	}
	return s, nil
}

func (r *SQLiteRepo) GetServer(ctx context.Context, id string) (domain.Server, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id=?`, id)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Server{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *SQLiteRepo) ListServers(ctx context.Context) ([]domain.Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domain.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (r *SQLiteRepo) SetServerStatus(ctx context.Context, id string, status domain.ServerStatus) error {
	return r.updateServer(ctx, id, "status = ?", string(status))
}

// TransitionServer sets the server's status to `to` only while it is in one
// of from. It reports whether the status changed.
func (r *SQLiteRepo) TransitionServer(ctx context.Context, id string, to domain.ServerStatus, from ...domain.ServerStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition server %s: no source status", id)
	}
	args := []any{string(to), millis(r.now()), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE servers SET status = ?, updated_at = ?
WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := r.GetServer(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *SQLiteRepo) SetServerStats(ctx context.Context, id string, stats json.RawMessage) error {
	return r.updateServer(ctx, id, "stats = ?", string(stats))
}

func (r *SQLiteRepo) updateServer(ctx context.Context, id, set string, value any) error {
	res, err := r.db.ExecContext(ctx, `UPDATE servers SET `+set+`, updated_at = ? WHERE id = ?`, value, millis(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReserveServerPort hands out the server's next free service port.
func (r *SQLiteRepo) ReserveServerPort(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE servers SET next_port = next_port + 1, updated_at = ?
WHERE id = ?
RETURNING next_port - 1`, millis(r.now()), id)
	var port int
	if err := row.Scan(&port); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("server %s: %w", id, ErrNotFound)
		}
		return 0, err
	}
	return port, nil
}

func (r *SQLiteRepo) SaveCertificate(ctx context.Context, c domain.Certificate) (domain.Certificate, error) {
	if c.ID == "" {
		c.ID = "crt_" + uuid.NewString()
	}
	c.CreatedAt = r.now()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO certificates (id,domain,authority_id,status,private_key,csr,created_at)
VALUES (?,?,?,?,?,?,?)`, c.ID, c.Domain, c.AuthorityID, c.Status, c.PrivateKey, c.CSR, millis(c.CreatedAt))
	if err != nil {
		return domain.Certificate{}, err
	}
	return c, nil
}

func (r *SQLiteRepo) ListCertificates(ctx context.Context, domainName string) ([]domain.Certificate, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,domain,authority_id,status,private_key,csr,created_at
FROM certificates WHERE domain = ? ORDER BY created_at DESC, rowid DESC`, domainName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []domain.Certificate
	for rows.Next() {
		var (
			c         domain.Certificate
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.Domain, &c.AuthorityID, &c.Status, &c.PrivateKey, &c.CSR, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(createdAt)
		certs = append(certs, c)
	}
	return certs, rows.Err()
}
