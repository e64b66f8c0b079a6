package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// table/columns per Key.Kind. KeyDomain and KeyDomainSuffix share the
// domains table; KeyDomainSuffix is read-only and resolved in
// getDomainSuffix by reading every stored domain and matching suffixes
// in Go, rather than by an exact-key lookup.
func (d *Driver) table(kind store.KeyKind) (table string, idCols []string, idVals func(store.Key) []any) {
	switch kind {
	case store.KeyTuple:
		return "tuples", []string{"ip", "helo", "mail_from", "mail_to"}, func(k store.Key) []any {
			return []any{k.Tuple.IP, k.Tuple.Helo, k.Tuple.From, k.Tuple.To}
		}
	case store.KeyIP:
		return "ips", []string{"ip"}, func(k store.Key) []any { return []any{k.IP} }
	case store.KeyMail:
		return "mails", []string{"mail"}, func(k store.Key) []any { return []any{k.Mail} }
	default:
		return "domains", []string{"domain"}, func(k store.Key) []any { return []any{k.Domain} }
	}
}

func (d *Driver) Put(ctx context.Context, key store.Key, val store.Value) error {
	if val.Kind != store.ValueGrey {
		return fmt.Errorf("sqlstore: cannot store value kind %d", val.Kind)
	}
	table, idCols, idVals := d.table(key.Kind)

	cols := append(append([]string{}, idCols...), "first", "pass", "expire", "bcount", "pcount")
	vals := append(idVals(key), val.Grey.First, val.Grey.Pass, val.Grey.Expire, val.Grey.Bcount, val.Grey.Pcount)

	ph := make([]string, len(vals))
	for i := range ph {
		ph[i] = d.ph(i + 1)
	}

	updateCols := []string{"first", "pass", "expire", "bcount", "pcount"}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, joinCols(cols), joinCols(ph), d.dialect.UpsertSuffix(idCols, updateCols))

	_, err := d.ex().ExecContext(ctx, q, vals...)
	if err != nil {
		return fmt.Errorf("sqlstore: put: %w", err)
	}
	return nil
}

func (d *Driver) Get(ctx context.Context, key store.Key) (store.Value, error) {
	if key.Kind == store.KeyDomainSuffix {
		return d.getDomainSuffix(ctx, key.Domain)
	}

	table, idCols, idVals := d.table(key.Kind)
	where := whereClause(d, idCols)
	q := fmt.Sprintf("SELECT first, pass, expire, bcount, pcount FROM %s WHERE %s", table, where)

	row := d.ex().QueryRowContext(ctx, q, idVals(key)...)
	var data store.Data
	if err := row.Scan(&data.First, &data.Pass, &data.Expire, &data.Bcount, &data.Pcount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Value{}, store.ErrNotFound
		}
		return store.Value{}, fmt.Errorf("sqlstore: get: %w", err)
	}
	return store.GreyValue(data), nil
}

// getDomainSuffix finds the longest stored domain that is a suffix of
// name, mirroring the trie's longest-match semantics for hostnames
// rather than addresses.
func (d *Driver) getDomainSuffix(ctx context.Context, name string) (store.Value, error) {
	rows, err := d.ex().QueryContext(ctx, "SELECT domain FROM domains")
	if err != nil {
		return store.Value{}, fmt.Errorf("sqlstore: get suffix: %w", err)
	}
	defer rows.Close()

	best := ""
	found := false
	for rows.Next() {
		var dom string
		if err := rows.Scan(&dom); err != nil {
			return store.Value{}, fmt.Errorf("sqlstore: get suffix: %w", err)
		}
		if isDomainSuffix(name, dom) && len(dom) > len(best) {
			best = dom
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return store.Value{}, fmt.Errorf("sqlstore: get suffix: %w", err)
	}
	if !found {
		return store.Value{}, store.ErrNotFound
	}
	return store.Value{Kind: store.ValueMatchSuffix, Suffix: best}, nil
}

func isDomainSuffix(name, suffix string) bool {
	if name == suffix {
		return true
	}
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix && name[len(name)-len(suffix)-1] == '.'
}

func (d *Driver) Del(ctx context.Context, key store.Key) error {
	table, idCols, idVals := d.table(key.Kind)
	where := whereClause(d, idCols)
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	_, err := d.ex().ExecContext(ctx, q, idVals(key)...)
	if err != nil {
		return fmt.Errorf("sqlstore: del: %w", err)
	}
	return nil
}

func whereClause(d *Driver, cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += " AND "
		}
		out += c + " = " + d.ph(i+1)
	}
	return out
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
