// Package sqlite wires sqlstore to github.com/mattn/go-sqlite3, the
// default on-disk backend for a standalone greyd (spec.md 4.3's "sqlite
// ... intended for single-host deployments").
package sqlite

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/sqlstore"
)

type dialect struct{}

func (dialect) Placeholder(n int) string { return "?" }

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

// New opens path (eg "/var/db/greyd/tuples.sqlite3" or ":memory:") as a
// store.Driver.
func New(path string) store.Driver {
	return sqlstore.New("sqlite3", path, dialect{})
}
