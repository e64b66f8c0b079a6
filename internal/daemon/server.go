package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
	"github.com/mikey-austin/greyd-sub000/internal/blacklist"
	"github.com/mikey-austin/greyd-sub000/internal/firewall"
	"github.com/mikey-austin/greyd-sub000/internal/greylist"
	"github.com/mikey-austin/greyd-sub000/internal/metrics"
)

// Config holds the daemon's runtime tunables, the fields spec.md §6
// summarises as the (out-of-scope) CLI surface.
type Config struct {
	Hostname        string
	Banner          string
	Stutter         bool
	StutterInterval time.Duration
	MaxCons         int
	MaxBlack        int
	LowPrioMX       string
}

// Server accepts SMTP connections and drives each through the state
// machine in handler.go.
type Server struct {
	Listener  net.Listener
	Blacklist []*blacklist.Set
	Reader    *greylist.Reader
	Firewall  firewall.Driver
	Scheduler *Scheduler
	Metrics   *metrics.Registry
	Log       *zap.Logger
	Config    Config

	startedAt time.Time

	// trapSet holds the scanner's most recently pushed greytrap
	// blacklist (spec.md's scanner->daemon traplist message); it is
	// rebuilt wholesale each scan pass, never mutated in place, so a
	// plain atomic.Pointer swap is enough.
	trapSet atomic.Pointer[blacklist.Set]

	activeMu sync.Mutex
	active   int
	black    int
}

// NewServer wires a Server from its collaborators.
func NewServer(ln net.Listener, lists []*blacklist.Set, rd *greylist.Reader, fw firewall.Driver, m *metrics.Registry, log *zap.Logger, cfg Config) *Server {
	if cfg.StutterInterval == 0 {
		cfg.StutterInterval = DefaultStutterInterval
	}
	return &Server{
		Listener: ln, Blacklist: lists, Reader: rd, Firewall: fw,
		Scheduler: NewScheduler(), Metrics: m, Log: log, Config: cfg,
		startedAt: time.Now(),
	}
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. It spawns the shared Scheduler goroutine and one goroutine
// per accepted connection, per spec.md §4.5's "single-threaded,
// level-triggered, based on poll" restated as Go's netpoller plus a
// single deadline-scheduler goroutine (see package doc).
func (s *Server) Serve(ctx context.Context) error {
	go s.Scheduler.Run(ctx)

	go func() {
		<-ctx.Done()
		s.Listener.Close()
	}()

	for {
		c, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}

		s.activeMu.Lock()
		tooMany := s.active+1 >= s.Config.MaxCons+AcceptTolerance && s.Config.MaxCons > 0
		s.activeMu.Unlock()
		if tooMany {
			c.Close()
			continue
		}

		go s.handleConn(ctx, c)
	}
}

func (s *Server) matchBlacklists(ip addr.Address) []*blacklist.Set {
	var out []*blacklist.Set
	for _, set := range s.Blacklist {
		if set.Matches(ip.Family, ip) {
			out = append(out, set)
		}
	}
	if trap := s.trapSet.Load(); trap != nil && trap.Matches(ip.Family, ip) {
		out = append(out, trap)
	}
	return out
}

// ReplaceTrapSet atomically swaps the greytrap blacklist set consulted
// by matchBlacklists, called by the traplist sink after every scan
// pass.
func (s *Server) ReplaceTrapSet(set *blacklist.Set) {
	s.trapSet.Store(set)
}

func (s *Server) acquire(blacklisted bool) {
	s.activeMu.Lock()
	s.active++
	if blacklisted {
		s.black++
	}
	s.activeMu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ConnectionsActive.Inc()
		s.Metrics.ConnectionsTotal.Inc()
	}
}

func (s *Server) release(blacklisted bool) {
	s.activeMu.Lock()
	s.active--
	if blacklisted {
		s.black--
	}
	s.activeMu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ConnectionsActive.Dec()
	}
}

// stutterDisabledGlobally reports spec.md §4.5's "exceeding max_black
// disables stuttering globally" rule.
func (s *Server) stutterDisabledGlobally() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.Config.MaxBlack > 0 && s.black > s.Config.MaxBlack
}

func hostFromAddr(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

