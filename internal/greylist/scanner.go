package greylist

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
	"github.com/mikey-austin/greyd-sub000/internal/config"
	"github.com/mikey-austin/greyd-sub000/internal/firewall"
	"github.com/mikey-austin/greyd-sub000/internal/metrics"
	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// TraplistSink receives the scanner's periodic traplist push (spec.md
// §6's scanner->daemon message: name/message/ips), in place of the
// original's pipe write.
type TraplistSink interface {
	PushTraplist(ctx context.Context, m *config.Message) error
}

// Scanner runs the periodic Scan/whitelist-push loop (spec.md §4.4).
// It holds the firewall handle; the Reader does not.
type Scanner struct {
	Store    store.Driver
	Firewall firewall.Driver
	Sink     TraplistSink
	Metrics  *metrics.Registry
	Log      *zap.Logger

	WhitelistSetV4 string
	WhitelistSetV6 string
	TrapSetName    string
	TrapMessage    string

	Interval time.Duration
	Now      func() time.Time
}

// NewScanner returns a Scanner with defaults matching spec.md §4.4.
func NewScanner(st store.Driver, fw firewall.Driver, sink TraplistSink, m *metrics.Registry, log *zap.Logger) *Scanner {
	return &Scanner{
		Store: st, Firewall: fw, Sink: sink, Metrics: m, Log: log,
		WhitelistSetV4: "greyd-whitelist",
		WhitelistSetV6: "greyd-whitelist",
		TrapSetName:    "greyd-greytrap",
		TrapMessage:    "You have attempted to deliver mail from an address" +
			" listed in the spam trap. This has been noted, and your details" +
			" have been forwarded to the relevant authorities.",
		Interval: ScanInterval,
		Now:      time.Now,
	}
}

// Run loops until ctx is cancelled: Scan, split the results into a
// trap push and a whitelist push, sleep Interval, repeat. It uses
// errgroup only to fan the two pushes out concurrently each pass and to
// fail the whole scan pass together if either push errors.
func (s *Scanner) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.Log.Error("scan pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scanner) RunOnce(ctx context.Context) error {
	start := s.Now()
	res, err := store.Scan(ctx, s.Store, start.Unix(), int64(WhiteExpiry/time.Second))
	if s.Metrics != nil {
		s.Metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("greylist: scan: %w", err)
	}
	s.Log.Info("scan complete", zap.Int("scanned", res.Scanned),
		zap.Int("expired", len(res.Expired)), zap.Int("promoted", len(res.Promoted)),
		zap.Int("whitelisted", len(res.Whitelist)))

	var traps []addr.Cidr
	var whiteV4, whiteV6 []addr.Cidr
	for _, k := range res.Trapped {
		a, err := addr.ParseAddress(k.IP)
		if err != nil {
			s.Log.Warn("skipping unparseable trap IP", zap.String("ip", k.IP), zap.Error(err))
			continue
		}
		traps = append(traps, addr.Cidr{Addr: a, Bits: addr.MaxMaskBits(a.Family)})
	}
	for _, k := range res.Whitelist {
		a, err := addr.ParseAddress(k.IP)
		if err != nil {
			s.Log.Warn("skipping unparseable whitelist IP", zap.String("ip", k.IP), zap.Error(err))
			continue
		}
		bits := addr.MaxMaskBits(a.Family)
		c := addr.Cidr{Addr: a, Bits: bits}
		if a.Family == addr.V6 {
			whiteV6 = append(whiteV6, c)
		} else {
			whiteV4 = append(whiteV4, c)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.Sink == nil {
			return nil
		}
		m := config.New()
		m.SetStr("name", s.TrapSetName)
		m.SetStr("message", s.TrapMessage)
		ips := make([]string, len(traps))
		for i, c := range traps {
			ips[i] = c.String()
		}
		m.SetList("ips", ips)
		return s.Sink.PushTraplist(gctx, m)
	})
	g.Go(func() error {
		if s.Firewall == nil {
			return nil
		}
		if err := s.Firewall.Replace(gctx, s.WhitelistSetV4, addr.V4, whiteV4); err != nil {
			return fmt.Errorf("whitelist v4 push: %w", err)
		}
		if len(whiteV6) > 0 {
			if err := s.Firewall.Replace(gctx, s.WhitelistSetV6, addr.V6, whiteV6); err != nil {
				return fmt.Errorf("whitelist v6 push: %w", err)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if s.Metrics != nil {
		s.Metrics.WhiteCount.Set(float64(len(whiteV4) + len(whiteV6)))
	}
	return nil
}
