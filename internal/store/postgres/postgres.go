// Package postgres wires sqlstore to github.com/lib/pq, for
// multi-host deployments that want a shared store rather than each
// host's own sync-replicated file (spec.md 4.3).
package postgres

import (
	"fmt"

	_ "github.com/lib/pq"

	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/sqlstore"
)

type dialect struct{}

func (dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (dialect) UpsertSuffix(conflictCols, updateCols []string) string {
	set := ""
	for i, c := range updateCols {
		if i > 0 {
			set += ", "
		}
		set += c + " = excluded." + c
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", joinCols(conflictCols), set)
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// New opens a postgres store.Driver against conninfo, a libpq
// connection string (eg "host=/var/run/postgresql dbname=greyd
// sslmode=disable").
func New(conninfo string) store.Driver {
	return sqlstore.New("postgres", conninfo, dialect{})
}
