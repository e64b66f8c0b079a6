// Package greylist implements the greylister (component D): Reader, the
// child process analogue that applies GREY/TRAP/WHITE pipe messages to
// the tuple store, and Scanner, the parent process analogue that runs
// the periodic Scan/whitelist-push/traplist-push loop. Both are
// goroutines in this rework rather than separate OS processes (see
// internal/daemon and SPEC_FULL.md §5), communicating through direct
// method calls (Reader.HandleMessage, TraplistSink.PushTraplist) in
// place of the original's pipes.
package greylist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/config"
	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// Broadcaster is implemented by the sync engine. After every successful
// store write that did not itself arrive over sync, Reader calls the
// matching method here so the update is replicated to peers (spec.md
// §4: "if sync is enabled AND the message was not itself received via
// sync, broadcast the corresponding sync TLV").
type Broadcaster interface {
	BroadcastGrey(ctx context.Context, ip, helo, from, to string, now time.Time) error
	BroadcastWhite(ctx context.Context, ip string, now, expire time.Time) error
	BroadcastTrapped(ctx context.Context, ip string, now, expire time.Time) error
}

// Reader applies GREY/TRAP/WHITE messages to the tuple store. It holds
// no firewall handle, mirroring spec.md §4's "the reader holds none."
type Reader struct {
	Store     store.Driver
	Log       *zap.Logger
	LowPrioMX string    // configured low-priority MX IP, or "" if unset
	StartedAt time.Time // daemon start time, for the LowPrioMXGrace check
	Now       func() time.Time
	Sync      Broadcaster // nil if sync is disabled
}

// NewReader returns a Reader with Now defaulting to time.Now.
func NewReader(st store.Driver, log *zap.Logger) *Reader {
	return &Reader{Store: st, Log: log, Now: time.Now}
}

// HandleMessage dispatches one decoded pipe message to the matching
// handler, per spec.md §4.4/§6.
func (r *Reader) HandleMessage(ctx context.Context, m *config.Message) error {
	typ, ok := m.GetInt("type")
	if !ok {
		return fmt.Errorf("greylist: message missing type field")
	}
	fromSync, _ := m.GetInt("sync")
	switch typ {
	case MsgGrey:
		return r.handleGrey(ctx, m, fromSync == 1)
	case MsgTrap:
		return r.handleTrapOrWhite(ctx, m, true, fromSync == 1)
	case MsgWhite:
		return r.handleTrapOrWhite(ctx, m, false, fromSync == 1)
	default:
		return fmt.Errorf("greylist: unknown message type %d", typ)
	}
}

// broadcast replicates a successful write to peers, unless sync is
// disabled or the write itself arrived over sync (which would loop).
func (r *Reader) broadcastGrey(ctx context.Context, viaSync bool, ip, helo, from, to string, now time.Time) {
	if r.Sync == nil || viaSync {
		return
	}
	if err := r.Sync.BroadcastGrey(ctx, ip, helo, from, to, now); err != nil {
		r.Log.Warn("sync broadcast failed", zap.Error(err))
	}
}

func (r *Reader) broadcastAddr(ctx context.Context, viaSync, trap bool, ip string, now time.Time, expire time.Time) {
	if r.Sync == nil || viaSync {
		return
	}
	var err error
	if trap {
		err = r.Sync.BroadcastTrapped(ctx, ip, now, expire)
	} else {
		err = r.Sync.BroadcastWhite(ctx, ip, now, expire)
	}
	if err != nil {
		r.Log.Warn("sync broadcast failed", zap.Error(err))
	}
}

func (r *Reader) handleGrey(ctx context.Context, m *config.Message, viaSync bool) error {
	ip, _ := m.GetStr("ip")
	helo, _ := m.GetStr("helo")
	from, _ := m.GetStr("from")
	to, _ := m.GetStr("to")
	dstIP, _ := m.GetStr("dst_ip")
	if ip == "" || to == "" {
		return fmt.Errorf("greylist: GREY message missing ip/to")
	}

	// Truncate to spec.md §3's fixed field sizes, mirroring the original's
	// fixed GREY_MAX_MAIL/INET6_ADDRSTRLEN buffers (original_source/src/con.h,
	// grey.h) rather than rejecting an overlong field outright.
	ip = truncate(ip, store.MaxAddrLen)
	helo = truncate(helo, store.MaxMailLen)
	from = truncate(from, store.MaxMailLen)
	to = truncate(to, store.MaxMailLen)

	now := r.Now()

	if err := r.Store.StartTxn(ctx); err != nil {
		return fmt.Errorf("greylist: start txn: %w", err)
	}
	commit := func(err error) error {
		if err != nil {
			_ = r.Store.RollbackTxn(ctx)
			return err
		}
		if cerr := r.Store.CommitTxn(ctx); cerr != nil {
			return fmt.Errorf("greylist: commit: %w", cerr)
		}
		return nil
	}

	spamtrap, err := r.isSpamtrap(ctx, to)
	if err != nil {
		return commit(err)
	}

	forcedTrap := r.LowPrioMX != "" && dstIP == r.LowPrioMX &&
		now.Sub(r.StartedAt) > LowPrioMXGrace

	if spamtrap || forcedTrap {
		key := store.IPKey(ip)
		existing, gerr := r.Store.Get(ctx, key)
		data := store.Data{
			First: now.Unix(), Pass: now.Unix(),
			Expire: now.Add(TrapExpiry).Unix(),
			Pcount: store.PcountTrap,
		}
		if gerr == nil && existing.Kind == store.ValueGrey {
			data.First = existing.Grey.First
			data.Bcount = existing.Grey.Bcount + 1
		} else if gerr != nil && !errors.Is(gerr, store.ErrNotFound) {
			return commit(gerr)
		}
		if err := r.Store.Put(ctx, key, store.GreyValue(data)); err != nil {
			return commit(err)
		}
		r.Log.Info("spamtrap/forced trap", zap.String("ip", ip), zap.String("to", to), zap.Bool("forced", forcedTrap))
		if err := commit(nil); err != nil {
			return err
		}
		r.broadcastAddr(ctx, viaSync, true, ip, now, time.Unix(data.Expire, 0))
		return nil
	}

	key := store.TupleKey(store.Tuple{IP: ip, Helo: helo, From: from, To: to})
	existing, gerr := r.Store.Get(ctx, key)
	if gerr != nil && !errors.Is(gerr, store.ErrNotFound) {
		return commit(gerr)
	}

	var data store.Data
	if gerr == nil && existing.Kind == store.ValueGrey {
		data = existing.Grey
		data.Bcount++
		// Never shrink an entry's expiry on a duplicate GREY event
		// (original_source/src/grey.c), only refresh pass once the
		// retry window has actually elapsed.
		if data.First+int64(PassTime/time.Second) < now.Unix() {
			data.Pass = now.Unix()
		}
	} else {
		data = store.Data{
			First:  now.Unix(),
			Pass:   now.Add(PassTime).Unix(),
			Expire: now.Add(GreyExpiry).Unix(),
			Pcount: 0,
		}
	}

	if err := r.Store.Put(ctx, key, store.GreyValue(data)); err != nil {
		return commit(err)
	}
	if err := commit(nil); err != nil {
		return err
	}
	r.broadcastGrey(ctx, viaSync, ip, helo, from, to, now)
	return nil
}

// isSpamtrap looks up a DomainSuffix match on to's domain, then a
// direct Mail match on the full address, per spec.md §4.4.
func (r *Reader) isSpamtrap(ctx context.Context, to string) (bool, error) {
	domain := domainOf(to)
	if domain != "" {
		_, err := r.Store.Get(ctx, store.DomainSuffixKey(domain))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	_, err := r.Store.Get(ctx, store.MailKey(strings.ToLower(to)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// truncate shortens s to at most n bytes, per spec.md §3's fixed field
// sizes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func domainOf(mail string) string {
	i := strings.LastIndexByte(mail, '@')
	if i < 0 || i == len(mail)-1 {
		return ""
	}
	return strings.ToLower(mail[i+1:])
}

// handleTrapOrWhite implements the TRAP/WHITE upsert from spec.md §4.4:
// an absolute, caller-supplied expiry, pcount fixed by which of the two
// this is, and first=pass=now only on a fresh insert.
func (r *Reader) handleTrapOrWhite(ctx context.Context, m *config.Message, trap, viaSync bool) error {
	ip, _ := m.GetStr("ip")
	ip = truncate(ip, store.MaxAddrLen)
	expiresStr, ok := m.GetStr("expires")
	if !ok {
		if n, ok := m.GetInt("expires"); ok {
			expiresStr = fmt.Sprintf("%d", n)
		}
	}
	if ip == "" || expiresStr == "" {
		return fmt.Errorf("greylist: TRAP/WHITE message missing ip/expires")
	}
	var expires int64
	if _, err := fmt.Sscanf(expiresStr, "%d", &expires); err != nil {
		r.Log.Warn("malformed expires value", zap.String("expires", expiresStr))
		return fmt.Errorf("greylist: malformed expires %q: %w", expiresStr, err)
	}

	now := r.Now()
	key := store.IPKey(ip)

	if err := r.Store.StartTxn(ctx); err != nil {
		return fmt.Errorf("greylist: start txn: %w", err)
	}

	existing, gerr := r.Store.Get(ctx, key)
	if gerr != nil && !errors.Is(gerr, store.ErrNotFound) {
		_ = r.Store.RollbackTxn(ctx)
		return gerr
	}

	pcount := 1
	if trap {
		pcount = store.PcountTrap
	}
	data := store.Data{First: now.Unix(), Pass: now.Unix(), Expire: expires, Pcount: pcount}
	if gerr == nil && existing.Kind == store.ValueGrey {
		data.First = existing.Grey.First
		data.Pass = existing.Grey.Pass
		data.Bcount = existing.Grey.Bcount
	}

	if err := r.Store.Put(ctx, key, store.GreyValue(data)); err != nil {
		_ = r.Store.RollbackTxn(ctx)
		return err
	}
	if err := r.Store.CommitTxn(ctx); err != nil {
		return fmt.Errorf("greylist: commit: %w", err)
	}
	r.broadcastAddr(ctx, viaSync, trap, ip, now, time.Unix(expires, 0))
	return nil
}
