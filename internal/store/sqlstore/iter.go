package sqlstore

import (
	"context"
	"fmt"

	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// iterRow is one row pulled eagerly into memory before Scan mutates any
// table: Scan's contract (store.Iterator) requires a stable view while
// DelCurrent/ReplaceCurrent run, and the four tables have nothing like
// a shared server-side cursor across them, so this driver materialises
// the whole scan set up front instead. Stores are expected to hold at
// most a few thousand live entries, so this is not a scaling concern.
type iterRow struct {
	key store.Key
	val store.Value
}

type iterator struct {
	d    *Driver
	rows []iterRow
	pos  int
}

func (d *Driver) Iter(ctx context.Context) (store.Iterator, error) {
	var rows []iterRow

	type spec struct {
		table  string
		idCol  string
		toKey  func(string) store.Key
	}
	specs := []spec{
		{"ips", "ip", store.IPKey},
		{"mails", "mail", store.MailKey},
		{"domains", "domain", store.DomainKey},
	}
	for _, s := range specs {
		q := fmt.Sprintf("SELECT %s, first, pass, expire, bcount, pcount FROM %s", s.idCol, s.table)
		r, err := d.ex().QueryContext(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: iter %s: %w", s.table, err)
		}
		for r.Next() {
			var id string
			var data store.Data
			if err := r.Scan(&id, &data.First, &data.Pass, &data.Expire, &data.Bcount, &data.Pcount); err != nil {
				r.Close()
				return nil, fmt.Errorf("sqlstore: iter %s: %w", s.table, err)
			}
			rows = append(rows, iterRow{key: s.toKey(id), val: store.GreyValue(data)})
		}
		err = r.Err()
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: iter %s: %w", s.table, err)
		}
	}

	tr, err := d.ex().QueryContext(ctx, "SELECT ip, helo, mail_from, mail_to, first, pass, expire, bcount, pcount FROM tuples")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: iter tuples: %w", err)
	}
	for tr.Next() {
		var t store.Tuple
		var data store.Data
		if err := tr.Scan(&t.IP, &t.Helo, &t.From, &t.To, &data.First, &data.Pass, &data.Expire, &data.Bcount, &data.Pcount); err != nil {
			tr.Close()
			return nil, fmt.Errorf("sqlstore: iter tuples: %w", err)
		}
		rows = append(rows, iterRow{key: store.TupleKey(t), val: store.GreyValue(data)})
	}
	err = tr.Err()
	tr.Close()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: iter tuples: %w", err)
	}

	return &iterator{d: d, rows: rows, pos: -1}, nil
}

func (it *iterator) Next(ctx context.Context) (store.Key, store.Value, bool, error) {
	it.pos++
	if it.pos >= len(it.rows) {
		return store.Key{}, store.Value{}, false, nil
	}
	r := it.rows[it.pos]
	return r.key, r.val, true, nil
}

func (it *iterator) DelCurrent(ctx context.Context) error {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return fmt.Errorf("sqlstore: DelCurrent with no current row")
	}
	return it.d.Del(ctx, it.rows[it.pos].key)
}

func (it *iterator) ReplaceCurrent(ctx context.Context, val store.Value) error {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return fmt.Errorf("sqlstore: ReplaceCurrent with no current row")
	}
	return it.d.Put(ctx, it.rows[it.pos].key, val)
}

func (it *iterator) Close() error { return nil }
