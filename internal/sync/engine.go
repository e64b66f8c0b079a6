// Package sync implements the replication engine (component F): the
// TLV wire format, HMAC-SHA1 authentication and replay guard, and the
// multicast+unicast send/receive paths from spec.md §4.6. It is
// grounded on net.ListenMulticastUDP (stdlib is the only reasonable
// choice for raw multicast/UDP group membership; no third-party
// multicast library appears anywhere in the retrieval pack).
package sync

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/config"
)

// McastAddr and McastTTL are spec.md §4.6's defaults.
const (
	McastAddr = "224.0.1.241"
	McastTTL  = 1

	// DefaultPort is the sync wire's default port (spec.md §6: "default
	// port 8025, same as SMTP by default").
	DefaultPort = 8025
)

// Receiver is implemented by the greylist reader; decoded sync updates
// are fed into it exactly like a locally-received GREY/TRAP/WHITE
// message, tagged with sync=1 so it does not re-broadcast them.
type Receiver interface {
	HandleMessage(ctx context.Context, m *config.Message) error
}

// Config holds an Engine's startup parameters.
type Config struct {
	Port            int
	Interface       string // non-empty enables multicast send+receive
	MulticastTTL    int
	BindAddress     string
	Hosts           []string // unicast peer names/addresses
	VerifyMessages  bool
	KeyFileContents []byte // raw key file bytes; Engine hashes with SHA1
}

// Engine is the sync TLV sender/receiver. One Engine per daemon
// process, shared by the greylist Reader (as a Broadcaster) and by
// whatever else posts GREY/TRAP/WHITE events that warrant replication.
type Engine struct {
	cfg  Config
	conn *net.UDPConn

	mcastOut *net.UDPAddr
	peers    []*net.UDPAddr

	key    []byte
	verify bool

	counter  uint32 // atomic, monotonic per send (spec.md §9: 32-bit, wrap unaddressed)
	Receiver Receiver
	Log      *zap.Logger

	mu          stdsync.Mutex
	lastCounter map[string]uint32 // peer addr string -> last accepted counter
}

// New constructs an Engine from cfg. It does not open the socket; call
// Start for that.
func New(cfg Config, recv Receiver, log *zap.Logger) *Engine {
	var key []byte
	if cfg.VerifyMessages {
		sum := sha1.Sum(cfg.KeyFileContents)
		key = sum[:]
	}
	if cfg.MulticastTTL == 0 {
		cfg.MulticastTTL = McastTTL
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Engine{
		cfg: cfg, key: key, verify: cfg.VerifyMessages,
		Receiver:    recv,
		Log:         log,
		lastCounter: make(map[string]uint32),
	}
}

// Start opens the UDP socket, joins the multicast group when an
// interface is configured, and resolves the unicast peer list.
// Mirrors Sync_start/Sync_add_host from original_source/src/sync.c.
func (e *Engine) Start() error {
	laddr := &net.UDPAddr{Port: e.cfg.Port}
	if e.cfg.BindAddress != "" {
		laddr.IP = net.ParseIP(e.cfg.BindAddress)
	}

	var conn *net.UDPConn
	var err error
	if e.cfg.Interface != "" {
		ifi, ierr := net.InterfaceByName(e.cfg.Interface)
		if ierr != nil {
			return fmt.Errorf("sync: interface %s: %w", e.cfg.Interface, ierr)
		}
		gaddr, _ := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", McastAddr, e.cfg.Port))
		conn, err = net.ListenMulticastUDP("udp4", ifi, gaddr)
		if err != nil {
			return fmt.Errorf("sync: join multicast: %w", err)
		}
		e.mcastOut = gaddr
	} else {
		conn, err = net.ListenUDP("udp4", laddr)
		if err != nil {
			return fmt.Errorf("sync: listen: %w", err)
		}
	}
	e.conn = conn

	for _, h := range e.cfg.Hosts {
		if err := e.AddHost(h); err != nil {
			e.Log.Warn("sync: failed to resolve peer", zap.String("host", h), zap.Error(err))
		}
	}
	return nil
}

// Stop closes the socket (multicast membership is dropped implicitly
// by the close, per the Go runtime's UDP socket semantics).
func (e *Engine) Stop() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// LocalAddr returns the engine's bound UDP address, useful for tests
// and for logging the actual ephemeral port chosen at Start.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// AddHost resolves name and adds it to the unicast peer list.
func (e *Engine) AddHost(name string) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", name, e.cfg.Port))
	if err != nil {
		return err
	}
	e.peers = append(e.peers, addr)
	return nil
}

// send encodes pkt and writes it to the multicast group (if joined)
// and every configured unicast peer.
func (e *Engine) send(pkt packet) error {
	pkt.Counter = atomic.AddUint32(&e.counter, 1)
	data, err := encodePacket(pkt, e.key)
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		e.Log.Warn("sync: datagram exceeds SYNC_MAXSIZE", zap.Int("len", len(data)))
	}

	var sendErr error
	if e.mcastOut != nil {
		if _, err := e.conn.WriteToUDP(data, e.mcastOut); err != nil {
			sendErr = fmt.Errorf("sync: multicast send: %w", err)
		}
	}
	for _, p := range e.peers {
		if _, err := e.conn.WriteToUDP(data, p); err != nil {
			e.Log.Warn("sync: unicast send failed", zap.Stringer("peer", p), zap.Error(err))
			sendErr = err
		}
	}
	return sendErr
}

// BroadcastGrey implements greylist.Broadcaster.
func (e *Engine) BroadcastGrey(ctx context.Context, ip, helo, from, to string, now time.Time) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("sync: invalid ip %q", ip)
	}
	return e.send(packet{Greys: []greyRecord{{
		Timestamp: now, IP: addr, From: from, To: to, Helo: helo,
	}}})
}

// BroadcastWhite implements greylist.Broadcaster.
func (e *Engine) BroadcastWhite(ctx context.Context, ip string, now, expire time.Time) error {
	return e.broadcastAddr(typeWhite, ip, now, expire)
}

// BroadcastTrapped implements greylist.Broadcaster.
func (e *Engine) BroadcastTrapped(ctx context.Context, ip string, now, expire time.Time) error {
	return e.broadcastAddr(typeTrapped, ip, now, expire)
}

func (e *Engine) broadcastAddr(typ uint16, ip string, now, expire time.Time) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("sync: invalid ip %q", ip)
	}
	rec := addrRecord{Timestamp: now, Expire: expire, IP: addr}
	if typ == typeTrapped {
		return e.send(packet{Traps: []addrRecord{rec}})
	}
	return e.send(packet{Whites: []addrRecord{rec}})
}

// Run reads datagrams until ctx is cancelled, verifying and
// replay-guarding each one before handing its contents to Receiver as
// config-syntax messages tagged sync=1.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.conn.Close()
	}()

	buf := make([]byte, maxDatagram*2)
	for {
		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("sync: read: %w", err)
		}
		e.handleDatagram(ctx, raddr, append([]byte(nil), buf[:n]...))
	}
}

func (e *Engine) handleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) {
	pkt, err := decodePacket(data, e.key, e.verify)
	if err != nil {
		e.Log.Warn("sync: dropping malformed/unauthenticated datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if !e.acceptCounter(from.IP.String(), pkt.Counter) {
		e.Log.Warn("sync: dropping replayed datagram", zap.Stringer("from", from), zap.Uint32("counter", pkt.Counter))
		return
	}

	for _, g := range pkt.Greys {
		m := config.New()
		m.SetInt("type", 1) // greylist.MsgGrey
		m.SetInt("sync", 1)
		m.SetStr("ip", g.IP.String())
		m.SetStr("helo", g.Helo)
		m.SetStr("from", g.From)
		m.SetStr("to", g.To)
		if err := e.Receiver.HandleMessage(ctx, m); err != nil {
			e.Log.Warn("sync: failed to apply received GREY", zap.Error(err))
		}
	}
	for _, w := range pkt.Whites {
		e.deliverAddr(ctx, 3, w) // greylist.MsgWhite
	}
	for _, tr := range pkt.Traps {
		e.deliverAddr(ctx, 2, tr) // greylist.MsgTrap
	}
}

func (e *Engine) deliverAddr(ctx context.Context, msgType int64, a addrRecord) {
	m := config.New()
	m.SetInt("type", msgType)
	m.SetInt("sync", 1)
	m.SetStr("ip", a.IP.String())
	m.SetInt("expires", a.Expire.Unix())
	if err := e.Receiver.HandleMessage(ctx, m); err != nil {
		e.Log.Warn("sync: failed to apply received WHITE/TRAPPED", zap.Error(err))
	}
}

// acceptCounter implements the replay guard: a datagram is accepted
// only if its counter is strictly greater than the last one accepted
// from that peer (spec.md §4.6/§8).
func (e *Engine) acceptCounter(peer string, counter uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastCounter[peer]
	if ok && counter <= last {
		return false
	}
	e.lastCounter[peer] = counter
	return true
}
