package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/mcphost/pkg/trust"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps record sets in two tables. Every save replaces the whole set
// inside a single transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ trust.Persistence = (*SQLStore)(nil)

// NewSQLStore wraps db and creates the tables if they do not exist.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate trust tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	boolType := "INTEGER"
	if s.dialect == DialectPostgres {
		boolType = "BOOLEAN"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_certificates (
		server_id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		public_token TEXT NOT NULL,
		issuer TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		tier TEXT NOT NULL,
		self_signed ` + boolType + ` NOT NULL,
		verified_by TEXT NOT NULL DEFAULT ''
	)`,
		`CREATE TABLE IF NOT EXISTS certificate_authorities (
		fingerprint TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		public_token TEXT NOT NULL,
		built_in ` + boolType + ` NOT NULL,
		added_at TEXT NOT NULL
	)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) LoadCertificates(ctx context.Context) ([]trust.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server_id, fingerprint, public_token, issuer, issued_at, expires_at, tier, self_signed, verified_by
		FROM server_certificates ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var certs []trust.Certificate
	for rows.Next() {
		var (
			c               trust.Certificate
			issued, expires string
			tier            string
		)
		if err := rows.Scan(&c.ServerID, &c.Fingerprint, &c.PublicToken, &c.Issuer, &issued, &expires, &tier, &c.SelfSigned, &c.VerifiedBy); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		if c.IssuedAt, err = parseTime(issued); err != nil {
			return nil, err
		}
		if c.ExpiresAt, err = parseTime(expires); err != nil {
			return nil, err
		}
		if c.Tier, err = trust.ParseTier(tier); err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

func (s *SQLStore) SaveCertificates(ctx context.Context, certs []trust.Certificate) error {
	return s.replace(ctx, "server_certificates", func(tx *sql.Tx) error {
		insert := s.bind(`INSERT INTO server_certificates
			(server_id, fingerprint, public_token, issuer, issued_at, expires_at, tier, self_signed, verified_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, c := range certs {
			if _, err := tx.ExecContext(ctx, insert,
				c.ServerID, c.Fingerprint, c.PublicToken, c.Issuer,
				formatTime(c.IssuedAt), formatTime(c.ExpiresAt),
				string(c.Tier), c.SelfSigned, c.VerifiedBy,
			); err != nil {
				return fmt.Errorf("insert certificate %q: %w", c.ServerID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) LoadAuthorities(ctx context.Context) ([]trust.Authority, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, name, public_token, built_in, added_at
		FROM certificate_authorities ORDER BY fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("query authorities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var auths []trust.Authority
	for rows.Next() {
		var (
			a     trust.Authority
			added string
		)
		if err := rows.Scan(&a.Fingerprint, &a.Name, &a.PublicToken, &a.BuiltIn, &added); err != nil {
			return nil, fmt.Errorf("scan authority: %w", err)
		}
		if a.AddedAt, err = parseTime(added); err != nil {
			return nil, err
		}
		auths = append(auths, a)
	}
	return auths, rows.Err()
}

func (s *SQLStore) SaveAuthorities(ctx context.Context, authorities []trust.Authority) error {
	return s.replace(ctx, "certificate_authorities", func(tx *sql.Tx) error {
		insert := s.bind(`INSERT INTO certificate_authorities
			(fingerprint, name, public_token, built_in, added_at)
			VALUES (?, ?, ?, ?, ?)`)
		for _, a := range authorities {
			if _, err := tx.ExecContext(ctx, insert,
				a.Fingerprint, a.Name, a.PublicToken, a.BuiltIn, formatTime(a.AddedAt),
			); err != nil {
				return fmt.Errorf("insert authority %q: %w", a.Fingerprint, err)
			}
		}
		return nil
	})
}

// replace clears table and refills it through fill, all in one transaction.
func (s *SQLStore) replace(ctx context.Context, table string, fill func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if err := fill(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
