package daemon

import (
	"bufio"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/mikey-austin/greyd-sub000/internal/blacklist"
)

// inputBufSize is the fixed input buffer size from spec.md §3.
const inputBufSize = 8192

// Conn is the per-session record from spec.md §3: one per accepted
// SMTP connection, owned exclusively by that connection's goroutine.
type Conn struct {
	ID     string // unique per-connection id, for correlating log lines
	Socket net.Conn
	Src    string // printable source address
	DstIP  string // NAT-discovered original destination, "" if unknown

	State     State
	LastState State

	Helo     string
	MailFrom string
	RcptTo   []string

	Matched []*blacklist.Set

	outBuf []byte // lazily allocated output buffer
	in     *bufio.Reader

	// Deadlines: next-read, next-write, session-start.
	RDeadline time.Time
	WDeadline time.Time
	Started   time.Time

	BadCmd    int
	DataLines int

	Stutter  bool
	SeenCR   bool
	DataBody bool
}

// NewConn wraps an accepted net.Conn.
func NewConn(c net.Conn, stutter bool) *Conn {
	now := time.Now()
	return &Conn{
		ID:      uuid.NewString(),
		Socket:  c,
		Src:     c.RemoteAddr().String(),
		State:   BannerIn,
		in:      bufio.NewReaderSize(c, inputBufSize),
		Started: now,
		Stutter: stutter,
	}
}

func (c *Conn) setState(s State) {
	c.LastState = c.State
	c.State = s
}

// expired reports whether either deadline has elapsed past MaxTime,
// per spec.md §4.5's "r + MAX_TIME <= now" rule.
func (c *Conn) expired(now time.Time, maxTime time.Duration) bool {
	if !c.RDeadline.IsZero() && !c.RDeadline.Add(maxTime).After(now) {
		return true
	}
	if !c.WDeadline.IsZero() && !c.WDeadline.Add(maxTime).After(now) {
		return true
	}
	return false
}
