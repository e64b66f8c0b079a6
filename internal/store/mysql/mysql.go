// Package mysql wires sqlstore to github.com/go-sql-driver/mysql, the
// third of the four spec.md 4.3 SQL backends.
package mysql

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/sqlstore"
)

type dialect struct{}

func (dialect) Placeholder(n int) string { return "?" }

// UpsertSuffix ignores conflictCols: MySQL's ON DUPLICATE KEY UPDATE
// fires off whichever unique key collided, which for every table here
// is the single primary key sqlstore's schema declares.
func (dialect) UpsertSuffix(conflictCols, updateCols []string) string {
	set := ""
	for i, c := range updateCols {
		if i > 0 {
			set += ", "
		}
		set += fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return "ON DUPLICATE KEY UPDATE " + set
}

// New opens a MySQL store.Driver against dsn (go-sql-driver/mysql DSN
// syntax, eg "greyd:secret@tcp(127.0.0.1:3306)/greyd").
func New(dsn string) store.Driver {
	return sqlstore.New("mysql", dsn, dialect{})
}
