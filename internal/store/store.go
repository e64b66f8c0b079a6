// Package store defines the tuple store contract (component C):
// a durable, transactional key/value store for grey/white/trap entries,
// plus the Scan operation that expires and promotes entries.
//
// The original implementation packs keys and values into tagged byte
// buffers (spec.md 9, "string-keyed sum types"); here the tagged union
// is a native Go struct with a Kind discriminant. The SQL drivers
// (internal/store/sqlstore) store each key kind in its own table
// (tuples, ips, mails, domains); they do not use a single row shape
// with empty-string sentinel columns.
package store

import (
	"context"
	"errors"
	"fmt"
)

// KeyKind discriminates the Key tagged union.
type KeyKind int

const (
	KeyTuple KeyKind = iota
	KeyIP
	KeyMail
	KeyDomain
	// KeyDomainSuffix is a read-only match-suffix variant: Get with this
	// kind matches any stored KeyDomain that is a suffix of the supplied
	// name. It is never a valid key for Put/Del.
	KeyDomainSuffix
)

// Tuple is the four-string grey tuple (ip, helo, from, to). from and to
// must already be normalised (lowercased, <>-stripped) by the caller;
// the store does not normalise.
type Tuple struct {
	IP   string
	Helo string
	From string
	To   string
}

const (
	// MaxAddrLen is the maximum printable address length accepted in a
	// Key (spec.md 3).
	MaxAddrLen = 46
	// MaxMailLen is the maximum mail address length accepted in a Key.
	MaxMailLen = 1024
)

// Key addresses a single store entry.
type Key struct {
	Kind   KeyKind
	Tuple  Tuple  // KeyTuple
	IP     string // KeyIP
	Mail   string // KeyMail
	Domain string // KeyDomain, KeyDomainSuffix
}

func TupleKey(t Tuple) Key      { return Key{Kind: KeyTuple, Tuple: t} }
func IPKey(ip string) Key       { return Key{Kind: KeyIP, IP: ip} }
func MailKey(mail string) Key   { return Key{Kind: KeyMail, Mail: mail} }
func DomainKey(name string) Key { return Key{Kind: KeyDomain, Domain: name} }
func DomainSuffixKey(name string) Key {
	return Key{Kind: KeyDomainSuffix, Domain: name}
}

// Pcount sentinel values (spec.md 3).
const (
	PcountTrap           = -1
	PcountSpamtrapMail   = -2
	PcountPermittedDomain = -3
)

// Data is the five-integer-field value attached to a Grey entry.
type Data struct {
	First  int64
	Pass   int64
	Expire int64
	Bcount int
	Pcount int
}

// IsWhite reports whether this entry represents a firewall-whitelisted
// IP (pcount >= 0 once the entry is an Ip key).
func (d Data) IsWhite() bool { return d.Pcount >= 0 }

// IsTrap reports whether this entry represents a trapped IP.
func (d Data) IsTrap() bool { return d.Pcount == PcountTrap }

// ValueKind discriminates the Value tagged union.
type ValueKind int

const (
	ValueGrey ValueKind = iota
	ValueMatchSuffix
)

// Value is what a Key maps to.
type Value struct {
	Kind   ValueKind
	Grey   Data
	Suffix string // ValueMatchSuffix: the stored domain that matched.
}

func GreyValue(d Data) Value { return Value{Kind: ValueGrey, Grey: d} }

// Result is the four-valued driver result from spec.md 4.3/7. Ok and
// Found both indicate success (Ok for writes, Found for a successful
// Get); NotFound means a Get found nothing, and the operation still
// succeeded; Err wraps a genuine driver failure.
type Result int

const (
	Ok Result = iota
	Found
	NotFound
	Err
)

// ErrNotFound is returned (wrapped, where relevant) by Get when no
// matching entry exists; ErrNoTxn and ErrTxnOpen are returned by the
// transaction calls when no transaction, or already one, is open.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrNoTxn      = errors.New("store: no open transaction")
	ErrTxnOpen    = errors.New("store: transaction already open")
)

// Iterator walks a snapshot of the store's entries inside an open
// transaction.
type Iterator interface {
	// Next advances to the next entry, returning ok=false once
	// exhausted.
	Next(ctx context.Context) (key Key, val Value, ok bool, err error)
	// DelCurrent deletes the entry last returned by Next.
	DelCurrent(ctx context.Context) error
	// ReplaceCurrent overwrites the value of the entry last returned by
	// Next.
	ReplaceCurrent(ctx context.Context, val Value) error
	Close() error
}

// Driver is the contract every backing store (memory, sqlite, mysql,
// postgres, ...) implements: eleven operations over the Key/Value
// tagged unions, per spec.md 4.3.
type Driver interface {
	Open(ctx context.Context, readOnly bool) error
	Close(ctx context.Context) error

	Put(ctx context.Context, key Key, val Value) error
	Get(ctx context.Context, key Key) (Value, error) // returns ErrNotFound
	Del(ctx context.Context, key Key) error

	StartTxn(ctx context.Context) error
	CommitTxn(ctx context.Context) error
	RollbackTxn(ctx context.Context) error

	Iter(ctx context.Context) (Iterator, error)
}

// withTxn runs fn inside a transaction, rolling back and wrapping the
// error on failure, matching spec.md 7: "a write that fails inside an
// open transaction MUST trigger rollback before the driver returns
// Err."
func withTxn(ctx context.Context, d Driver, fn func(ctx context.Context) error) error {
	if err := d.StartTxn(ctx); err != nil {
		return fmt.Errorf("store: start txn: %w", err)
	}
	if err := fn(ctx); err != nil {
		if rerr := d.RollbackTxn(ctx); rerr != nil {
			return fmt.Errorf("store: op failed (%w), rollback also failed: %v", err, rerr)
		}
		return err
	}
	if err := d.CommitTxn(ctx); err != nil {
		return fmt.Errorf("store: commit txn: %w", err)
	}
	return nil
}
