package daemon_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/blacklist"
	"github.com/mikey-austin/greyd-sub000/internal/daemon"
	"github.com/mikey-austin/greyd-sub000/internal/greylist"
	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/memory"
)

// testServer starts a Server on an ephemeral loopback port and returns
// a dialer for clients plus a shutdown func.
func testServer(t *testing.T, cfg daemon.Config, lists []*blacklist.Set, rd *greylist.Reader) (dial func() net.Conn, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "mx.example.com"
	}
	if cfg.Banner == "" {
		cfg.Banner = "greyd-sub000"
	}
	s := daemon.NewServer(ln, lists, rd, nil, nil, zap.NewNop(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(done)
	}()
	return func() net.Conn {
			c, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			return c
		}, func() {
			cancel()
			<-done
		}
}

// session is a tiny SMTP client helper over a net.Conn.
type session struct {
	t    *testing.T
	conn net.Conn
	in   *bufio.Reader
}

func newSession(t *testing.T, c net.Conn) *session {
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return &session{t: t, conn: c, in: bufio.NewReader(c)}
}

func (s *session) readLine() string {
	s.t.Helper()
	line, err := s.in.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (s *session) send(line string) {
	s.t.Helper()
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		s.t.Fatalf("write: %v", err)
	}
}

func (s *session) expect(prefix string) string {
	s.t.Helper()
	line := s.readLine()
	if !strings.HasPrefix(line, prefix) {
		s.t.Fatalf("got %q, want prefix %q", line, prefix)
	}
	return line
}

func TestHappyPathEndsInTempFail(t *testing.T) {
	st := memory.New()
	rd := greylist.NewReader(st, zap.NewNop())
	dial, stop := testServer(t, daemon.Config{}, nil, rd)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	s.send("HELO mx.sender.example")
	s.expect("250")
	s.send("MAIL FROM:<a@sender.example>")
	s.expect("250")
	s.send("RCPT TO:<b@recipient.example>")
	s.expect("250")
	s.send("DATA")
	s.expect("354")
	s.send("Subject: hi")
	s.send(".")
	s.expect("451")

	v, err := st.Get(context.Background(), store.TupleKey(store.Tuple{
		IP: "127.0.0.1", Helo: "mx.sender.example",
		From: "a@sender.example", To: "b@recipient.example",
	}))
	if err != nil {
		t.Fatalf("expected a grey tuple to have been recorded: %v", err)
	}
	if v.Grey.Pcount != 0 {
		t.Errorf("pcount = %d, want 0 on first sighting", v.Grey.Pcount)
	}
}

func TestQuitAtHelo(t *testing.T) {
	dial, stop := testServer(t, daemon.Config{}, nil, nil)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	s.send("QUIT")
	s.expect("221")
}

func TestNoopDoesNotAdvanceState(t *testing.T) {
	dial, stop := testServer(t, daemon.Config{}, nil, nil)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	s.send("NOOP")
	s.expect("250")
	s.send("HELO mx.sender.example")
	s.expect("250")
}

func TestRsetDuringRcptReturnsToMail(t *testing.T) {
	st := memory.New()
	rd := greylist.NewReader(st, zap.NewNop())
	dial, stop := testServer(t, daemon.Config{}, nil, rd)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	s.send("HELO mx.sender.example")
	s.expect("250")
	s.send("MAIL FROM:<a@sender.example>")
	s.expect("250")
	s.send("RCPT TO:<b@recipient.example>")
	s.expect("250")
	s.send("RSET")
	s.expect("250")

	// The session must be back at awaiting MAIL FROM, not closed or
	// stuck expecting RCPT/DATA.
	s.send("MAIL FROM:<c@sender.example>")
	s.expect("250")
	s.send("RCPT TO:<d@recipient.example>")
	s.expect("250")
	s.send("DATA")
	s.expect("354")
	s.send(".")
	s.expect("451")
}

func TestDataWithoutRcptIsRejected(t *testing.T) {
	dial, stop := testServer(t, daemon.Config{}, nil, nil)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	s.send("HELO mx.sender.example")
	s.expect("250")
	s.send("MAIL FROM:<a@sender.example>")
	s.expect("250")
	s.send("DATA")
	s.expect("503")

	// still usable afterwards
	s.send("RCPT TO:<b@recipient.example>")
	s.expect("250")
}

func TestBadCommandFloodJumpsToReply(t *testing.T) {
	dial, stop := testServer(t, daemon.Config{}, nil, nil)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	for i := 0; i < daemon.MaxBadCommands; i++ {
		s.send("GARBAGE")
		s.expect("500")
	}
	// one more bad command pushes bad_cmd past the threshold from
	// within the HELO loop, short-circuiting straight to Reply.
	s.send("GARBAGE")
	s.expect("451")
}

func TestBlacklistedConnectionGetsRejectMessage(t *testing.T) {
	lists := mustCompileLoopbackBlacklist(t)

	dial, stop := testServer(t, daemon.Config{}, lists, nil)
	defer stop()

	c := dial()
	defer c.Close()
	s := newSession(t, c)

	s.expect("220")
	s.send("HELO mx.sender.example")
	s.expect("250")
	s.send("MAIL FROM:<a@sender.example>")
	s.expect("250")
	s.send("RCPT TO:<b@recipient.example>")
	s.expect("250")
	s.send("DATA")
	s.expect("354")
	s.send(".")
	s.expect("550")
}

func mustCompileLoopbackBlacklist(t *testing.T) []*blacklist.Set {
	t.Helper()
	set, err := blacklist.CompileTrieOnly("test", "550 go away %A",
		[]io.Reader{strings.NewReader("127.0.0.1/32\n")})
	if err != nil {
		t.Fatal(err)
	}
	return []*blacklist.Set{set}
}

func TestConfiguredHostnameUsed(t *testing.T) {
	dial, stop := testServer(t, daemon.Config{Hostname: "mx.example.com", Banner: "greyd-sub000"}, nil, nil)
	defer stop()
	c := dial()
	defer c.Close()
	s := newSession(t, c)
	line := s.expect("220")
	if !strings.Contains(line, "mx.example.com") {
		t.Errorf("banner %q missing configured hostname", line)
	}
	s.send("QUIT")
	got := s.expect("221")
	if got != fmt.Sprintf("221 %s", "mx.example.com") {
		t.Errorf("quit reply = %q", got)
	}
}
