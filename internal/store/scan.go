package store

import (
	"context"
	"errors"
	"fmt"
)

// ScanResult tallies what a Scan pass did, so the caller (greylist.Scanner)
// can log and feed the firewall/traplist without re-deriving it.
type ScanResult struct {
	Expired   []Key // entries removed because they passed expire
	Promoted  []Key // IP keys newly created by promoting a passed Tuple
	Whitelist []Key // IP keys that should now be pushed to the firewall
	Trapped   []Key // IP keys currently trapped and still live
	Scanned   int
}

// Scan implements spec.md 4.3 step 2 and 4.4's single maintenance pass,
// written once against the Driver/Iterator interface so every backend
// gets it for free. whiteExpire is the caller's configured white-listing
// duration (seconds) applied to newly promoted entries, kept as a
// parameter rather than a package constant so this package does not
// need to depend on greylist's policy constants.
//
// For every Tuple entry with pcount >= 0 (i.e. not a trap/spamtrap
// sentinel) whose pass has arrived, Scan checks whether an Ip-keyed trap
// already exists for that IP. If not, the tuple is deleted and replaced
// with an Ip entry carrying a fresh white expiry, and the IP is reported
// for a whitelist push. If a trap does exist, the tuple is left for its
// own Expire to reclaim it later, same as any other entry.
//
// Whatever is left after that pass is handled the same way regardless
// of kind: an entry past its own Expire is deleted; one that is not is
// reported as a live whitelist/trap entry if it is Ip-keyed.
func Scan(ctx context.Context, d Driver, now, whiteExpire int64) (ScanResult, error) {
	var res ScanResult

	if err := d.StartTxn(ctx); err != nil {
		return res, fmt.Errorf("store: scan: start txn: %w", err)
	}

	it, err := d.Iter(ctx)
	if err != nil {
		_ = d.RollbackTxn(ctx)
		return res, fmt.Errorf("store: scan: iter: %w", err)
	}

	for {
		key, val, ok, err := it.Next(ctx)
		if err != nil {
			it.Close()
			_ = d.RollbackTxn(ctx)
			return res, fmt.Errorf("store: scan: next: %w", err)
		}
		if !ok {
			break
		}
		res.Scanned++

		if val.Kind != ValueGrey {
			continue
		}

		if key.Kind == KeyTuple && val.Grey.Pcount >= 0 && val.Grey.Pass <= now {
			promoted, err := promoteTuple(ctx, d, it, key, val.Grey, now, whiteExpire)
			if err != nil {
				it.Close()
				_ = d.RollbackTxn(ctx)
				return res, err
			}
			if promoted {
				ipKey := IPKey(key.Tuple.IP)
				res.Promoted = append(res.Promoted, ipKey)
				res.Whitelist = append(res.Whitelist, ipKey)
				continue
			}
		}

		if val.Grey.Expire > now {
			if key.Kind == KeyIP && val.Grey.IsWhite() {
				res.Whitelist = append(res.Whitelist, key)
			}
			if key.Kind == KeyIP && val.Grey.IsTrap() {
				res.Trapped = append(res.Trapped, key)
			}
			continue
		}

		if err := it.DelCurrent(ctx); err != nil {
			it.Close()
			_ = d.RollbackTxn(ctx)
			return res, fmt.Errorf("store: scan: del current: %w", err)
		}
		res.Expired = append(res.Expired, key)
	}
	it.Close()

	if err := d.CommitTxn(ctx); err != nil {
		return res, fmt.Errorf("store: scan: commit: %w", err)
	}
	return res, nil
}

// promoteTuple applies spec.md 4.3 step 2 to one passed Tuple entry: if
// no trap entry exists for the tuple's IP, the tuple is deleted and an
// Ip entry is upserted in its place with a fresh white expiry. It
// reports whether the promotion happened, so the caller can fall
// through to the ordinary expire handling when it didn't.
func promoteTuple(ctx context.Context, d Driver, it Iterator, key Key, tuple Data, now, whiteExpire int64) (bool, error) {
	ipKey := IPKey(key.Tuple.IP)
	existing, gerr := d.Get(ctx, ipKey)
	if gerr != nil && !errors.Is(gerr, ErrNotFound) {
		return false, fmt.Errorf("store: scan: check trap for %s: %w", key.Tuple.IP, gerr)
	}
	if gerr == nil && existing.Kind == ValueGrey && existing.Grey.IsTrap() {
		return false, nil
	}

	if err := it.DelCurrent(ctx); err != nil {
		return false, fmt.Errorf("store: scan: del promoted tuple: %w", err)
	}

	white := Data{First: tuple.First, Pass: tuple.Pass, Expire: now + whiteExpire, Bcount: tuple.Bcount, Pcount: 1}
	if gerr == nil && existing.Kind == ValueGrey {
		white.Bcount = existing.Grey.Bcount
		if existing.Grey.First < white.First {
			white.First = existing.Grey.First
		}
	}
	if err := d.Put(ctx, ipKey, GreyValue(white)); err != nil {
		return false, fmt.Errorf("store: scan: put promoted ip: %w", err)
	}
	return true, nil
}
