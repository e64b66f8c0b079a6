// Package memory is the in-memory store.Driver: the default backend for
// tests and for a greydb started without -d, and the stand-in for the
// original implementation's Berkeley DB driver, which has no maintained
// pure-Go binding (see DESIGN.md).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// Driver is a sync.Mutex-guarded map implementing store.Driver. A
// single in-flight transaction is enforced the same way the SQL drivers
// enforce it: StartTxn returns store.ErrTxnOpen while another
// transaction is open. The mutex guards each call only; it is not held
// between StartTxn and Commit or Rollback.
type Driver struct {
	mu   sync.Mutex
	data map[string]store.Value

	txnOpen bool
	snap    map[string]store.Value // rollback snapshot, set at StartTxn
}

// New constructs an empty in-memory driver.
func New() *Driver {
	return &Driver{data: make(map[string]store.Value)}
}

func (d *Driver) Open(ctx context.Context, readOnly bool) error { return nil }
func (d *Driver) Close(ctx context.Context) error               { return nil }

func (d *Driver) Put(ctx context.Context, key store.Key, val store.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[keyString(key)] = val
	return nil
}

func (d *Driver) Get(ctx context.Context, key store.Key) (store.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if key.Kind == store.KeyDomainSuffix {
		return d.getSuffix(key.Domain)
	}
	v, ok := d.data[keyString(key)]
	if !ok {
		return store.Value{}, store.ErrNotFound
	}
	return v, nil
}

func (d *Driver) getSuffix(name string) (store.Value, error) {
	best := ""
	found := false
	for k, v := range d.data {
		if v.Kind != store.ValueGrey {
			continue
		}
		domain, ok := domainFromKeyString(k)
		if !ok {
			continue
		}
		if hasSuffix(name, domain) && len(domain) > len(best) {
			best = domain
			found = true
		}
	}
	if !found {
		return store.Value{}, store.ErrNotFound
	}
	return store.Value{Kind: store.ValueMatchSuffix, Suffix: best}, nil
}

func hasSuffix(name, suffix string) bool {
	if len(suffix) > len(name) {
		return false
	}
	if name == suffix {
		return true
	}
	return len(name) > len(suffix) && name[len(name)-len(suffix)-1] == '.' && name[len(name)-len(suffix):] == suffix
}

func (d *Driver) Del(ctx context.Context, key store.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, keyString(key))
	return nil
}

func (d *Driver) StartTxn(ctx context.Context) error {
	d.mu.Lock()
	if d.txnOpen {
		d.mu.Unlock()
		return store.ErrTxnOpen
	}
	d.txnOpen = true
	d.snap = make(map[string]store.Value, len(d.data))
	for k, v := range d.data {
		d.snap[k] = v
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) CommitTxn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.txnOpen {
		return store.ErrNoTxn
	}
	d.txnOpen = false
	d.snap = nil
	return nil
}

func (d *Driver) RollbackTxn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.txnOpen {
		return store.ErrNoTxn
	}
	d.data = d.snap
	d.txnOpen = false
	d.snap = nil
	return nil
}

// iterator is a snapshot-ordered (by key string, for determinism)
// iterator over the driver's entries at the moment Iter was called.
type iterator struct {
	d    *Driver
	keys []string
	pos  int
	cur  string
}

func (d *Driver) Iter(ctx context.Context) (store.Iterator, error) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	sort.Strings(keys)
	return &iterator{d: d, keys: keys, pos: -1}, nil
}

func (it *iterator) Next(ctx context.Context) (store.Key, store.Value, bool, error) {
	it.pos++
	if it.pos >= len(it.keys) {
		return store.Key{}, store.Value{}, false, nil
	}
	it.cur = it.keys[it.pos]
	it.d.mu.Lock()
	v, ok := it.d.data[it.cur]
	it.d.mu.Unlock()
	if !ok {
		// Deleted by a concurrent writer since the snapshot was taken;
		// skip forward.
		return it.Next(ctx)
	}
	return keyFromString(it.cur), v, true, nil
}

func (it *iterator) DelCurrent(ctx context.Context) error {
	it.d.mu.Lock()
	delete(it.d.data, it.cur)
	it.d.mu.Unlock()
	return nil
}

func (it *iterator) ReplaceCurrent(ctx context.Context, val store.Value) error {
	it.d.mu.Lock()
	it.d.data[it.cur] = val
	it.d.mu.Unlock()
	return nil
}

func (it *iterator) Close() error { return nil }
