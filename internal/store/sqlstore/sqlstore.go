// Package sqlstore implements store.Driver once against database/sql,
// so the sqlite, postgres and mysql backends (internal/store/sqlite,
// .../postgres, .../mysql) are each a few lines picking a driver name,
// a DSN and a placeholder dialect. This mirrors the way the teacher's
// own save-file/TLS handling is written once in doc.go and parameterised
// by flags rather than duplicated per mode.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// Dialect captures the handful of ways SQL engines disagree on syntax
// that this package's queries touch: positional-parameter placeholders
// and the upsert clause.
type Dialect interface {
	// Placeholder returns the parameter marker for the n'th bound value
	// (1-based), eg "?" for sqlite/mysql or "$1" for postgres.
	Placeholder(n int) string
	// UpsertSuffix returns the clause appended to an INSERT to make it
	// an upsert, given the conflict target columns and the table's
	// non-key columns to overwrite.
	UpsertSuffix(conflictCols, updateCols []string) string
}

// Driver adapts a *sql.DB plus a Dialect into a store.Driver.
type Driver struct {
	driverName string
	dsn        string
	dialect    Dialect

	db  *sql.DB
	txn *sql.Tx
}

// New returns a Driver that will open driverName/dsn on Open, rendering
// queries with dialect.
func New(driverName, dsn string, dialect Dialect) *Driver {
	return &Driver{driverName: driverName, dsn: dsn, dialect: dialect}
}

const schema = `
CREATE TABLE IF NOT EXISTS tuples (
	ip TEXT NOT NULL,
	helo TEXT NOT NULL DEFAULT '',
	mail_from TEXT NOT NULL DEFAULT '',
	mail_to TEXT NOT NULL DEFAULT '',
	first INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	expire INTEGER NOT NULL,
	bcount INTEGER NOT NULL,
	pcount INTEGER NOT NULL,
	PRIMARY KEY (ip, helo, mail_from, mail_to)
);
CREATE TABLE IF NOT EXISTS ips (
	ip TEXT NOT NULL PRIMARY KEY,
	first INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	expire INTEGER NOT NULL,
	bcount INTEGER NOT NULL,
	pcount INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS mails (
	mail TEXT NOT NULL PRIMARY KEY,
	first INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	expire INTEGER NOT NULL,
	bcount INTEGER NOT NULL,
	pcount INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS domains (
	domain TEXT NOT NULL PRIMARY KEY,
	first INTEGER NOT NULL,
	pass INTEGER NOT NULL,
	expire INTEGER NOT NULL,
	bcount INTEGER NOT NULL,
	pcount INTEGER NOT NULL
);
`

func (d *Driver) Open(ctx context.Context, readOnly bool) error {
	db, err := sql.Open(d.driverName, d.dsn)
	if err != nil {
		return fmt.Errorf("sqlstore: open %s: %w", d.driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlstore: ping %s: %w", d.driverName, err)
	}
	if !readOnly {
		for _, stmt := range splitStatements(schema) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				return fmt.Errorf("sqlstore: migrate: %w", err)
			}
		}
	}
	d.db = db
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func splitStatements(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			if stmt := trimSpace(s[start:i]); stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && isSpace(s[i]) {
		i++
	}
	for j > i && isSpace(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\t' || b == '\r' }

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method work identically whether or not a transaction is open.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *Driver) ex() execer {
	if d.txn != nil {
		return d.txn
	}
	return d.db
}

func (d *Driver) ph(n int) string { return d.dialect.Placeholder(n) }

func (d *Driver) StartTxn(ctx context.Context) error {
	if d.txn != nil {
		return store.ErrTxnOpen
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	d.txn = tx
	return nil
}

func (d *Driver) CommitTxn(ctx context.Context) error {
	if d.txn == nil {
		return store.ErrNoTxn
	}
	err := d.txn.Commit()
	d.txn = nil
	if err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (d *Driver) RollbackTxn(ctx context.Context) error {
	if d.txn == nil {
		return store.ErrNoTxn
	}
	err := d.txn.Rollback()
	d.txn = nil
	if err != nil {
		return fmt.Errorf("sqlstore: rollback: %w", err)
	}
	return nil
}
