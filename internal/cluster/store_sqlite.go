package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const leaseName = "leader"

// SQLiteLeaseStore keeps membership and the lease in a database shared by
// every member.
type SQLiteLeaseStore struct {
	db *sql.DB
}

func NewSQLiteLeaseStore(db *sql.DB) (*SQLiteLeaseStore, error) {
	s := &SQLiteLeaseStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize cluster schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteLeaseStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cluster_members (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cluster_lease (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		until INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteLeaseStore) Heartbeat(ctx context.Context, m Member) error {
	query := `
		INSERT INTO cluster_members (id, hostname, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET hostname = excluded.hostname, last_seen = excluded.last_seen
	`
	_, err := s.db.ExecContext(ctx, query, m.ID, m.Hostname, m.LastSeen.UnixNano())
	return err
}

func (s *SQLiteLeaseStore) Deregister(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cluster_members WHERE id = ?`, memberID)
	return err
}

func (s *SQLiteLeaseStore) Acquire(ctx context.Context, memberID string, now time.Time, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	// Take the lease if it is ours or has expired; otherwise leave it alone.
	claim := `
		INSERT INTO cluster_lease (name, holder, until) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, until = excluded.until
		WHERE cluster_lease.holder = excluded.holder OR cluster_lease.until < ?
	`
	if _, err := tx.ExecContext(ctx, claim, leaseName, memberID, now.Add(ttl).UnixNano(), now.UnixNano()); err != nil {
		return false, err
	}

	var holder string
	if err := tx.QueryRowContext(ctx, `SELECT holder FROM cluster_lease WHERE name = ?`, leaseName).Scan(&holder); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return holder == memberID, nil
}

func (s *SQLiteLeaseStore) Resign(ctx context.Context, memberID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cluster_lease WHERE name = ? AND holder = ?`, leaseName, memberID)
	return err
}

func (s *SQLiteLeaseStore) Members(ctx context.Context, now time.Time, window time.Duration) ([]Member, error) {
	query := `
		SELECT m.id, m.hostname, m.last_seen, COALESCE(l.holder = m.id AND l.until >= ?, 0)
		FROM cluster_members m
		LEFT JOIN cluster_lease l ON l.name = ?
		WHERE m.last_seen >= ?
		ORDER BY m.id
	`
	rows, err := s.db.QueryContext(ctx, query, now.UnixNano(), leaseName, now.Add(-window).UnixNano())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

	members := make([]Member, 0)
	for rows.Next() {
		var (
			m        Member
			lastSeen int64
		)
		if err := rows.Scan(&m.ID, &m.Hostname, &lastSeen, &m.Leader); err != nil {
			return nil, err
		}
		m.LastSeen = time.Unix(0, lastSeen).UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}
