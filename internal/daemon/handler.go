package daemon

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
	"github.com/mikey-austin/greyd-sub000/internal/config"
)

const tempFailReply = "451 Temporary failure, please try again later."

// handleConn drives one accepted connection through the SMTP state
// machine from spec.md §4.5. Go's per-goroutine blocking I/O plus
// net.Conn deadlines directly model "one suspension point per state";
// the explicit State field is kept on Conn for observability and so
// this function reads the same way the spec's state diagram does.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	c := NewConn(nc, s.Config.Stutter)
	defer c.Socket.Close()

	srcAddr, err := addr.ParseAddress(hostFromAddr(nc.RemoteAddr()))
	blacklisted := false
	if err == nil {
		c.Matched = s.matchBlacklists(srcAddr)
		blacklisted = len(c.Matched) > 0
	}

	s.acquire(blacklisted)
	defer s.release(blacklisted)

	s.Log.Debug("connection accepted", zap.String("conn_id", c.ID), zap.String("src", c.Src), zap.Bool("blacklisted", blacklisted))

	if err := s.banner(c); err != nil {
		return
	}

	for {
		if c.expired(time.Now(), MaxTime) {
			return
		}

		c.setState(HeloIn)
		line, err := s.readLine(c)
		if err != nil {
			return
		}
		verb, arg := splitCommand(line)

		switch verb {
		case "QUIT":
			s.reply(c, fmt.Sprintf("221 %s", s.Config.Hostname))
			c.setState(Close)
			return
		case "NOOP":
			s.reply(c, "250 OK")
			continue
		case "HELO", "EHLO":
			c.Helo = arg
			c.setState(HeloOut)
			s.reply(c, fmt.Sprintf("250 %s", s.Config.Hostname))
		default:
			if s.bumpBadCommand(c) {
				goto reply
			}
			s.reply(c, "500 Command unrecognized")
			continue
		}
		break
	}

	for {
		switch s.mailPhase(c) {
		case "restart":
			continue
		case "closed":
			return
		case "reply":
			goto reply
		}
		break // outcome == "data"
	}

	s.reply(c, "354 End data with <CR><LF>.<CR><LF>")
	for {
		line, err := s.readLine(c)
		if err != nil {
			return
		}
		if line == "." {
			break
		}
		c.DataLines++
	}
	c.setState(DataOut)
	c.setState(Message)

reply:
	c.setState(Reply)
	s.postGreyOrGreet(ctx, c, blacklisted)
	c.setState(Close)
}

// mailPhase collects MAIL FROM and the RCPT TO sequence that follows
// it, per spec.md §4.5. RSET at any point in either sub-phase returns
// to HeloOut and restarts this whole phase, which is why both loops
// live in one function: an RSET observed while collecting RCPTs must
// be able to go back to awaiting MAIL FROM, not just abort.
//
// outcome is one of "data" (ready for the DATA phase), "reply" (bad
// command flood: skip straight to Reply), "closed" (QUIT or a read
// error ended the connection), or "restart" (RSET: the caller loops
// back into mailPhase again).
func (s *Server) mailPhase(c *Conn) (outcome string) {
	c.setState(MailIn)
	for {
		line, err := s.readLine(c)
		if err != nil {
			return "closed"
		}
		verb, arg := splitCommand(line)
		switch verb {
		case "QUIT":
			s.reply(c, fmt.Sprintf("221 %s", s.Config.Hostname))
			c.setState(Close)
			return "closed"
		case "RSET":
			c.MailFrom, c.RcptTo = "", nil
			c.setState(HeloOut)
			s.reply(c, "250 OK")
			return "restart"
		case "MAIL":
			c.MailFrom = mailAddrArg(arg)
			c.setState(MailOut)
			s.reply(c, "250 OK")
			return s.rcptPhase(c)
		default:
			if s.bumpBadCommand(c) {
				return "reply" // bad-command flood: skip straight to Reply
			}
			s.reply(c, "500 Command unrecognized")
		}
	}
}

func (s *Server) rcptPhase(c *Conn) string {
	c.setState(RcptIn)
	for {
		line, err := s.readLine(c)
		if err != nil {
			return "closed"
		}
		verb, arg := splitCommand(line)
		switch verb {
		case "QUIT":
			s.reply(c, fmt.Sprintf("221 %s", s.Config.Hostname))
			c.setState(Close)
			return "closed"
		case "RSET":
			c.MailFrom, c.RcptTo = "", nil
			c.setState(HeloOut)
			s.reply(c, "250 OK")
			return "restart"
		case "RCPT":
			c.RcptTo = append(c.RcptTo, mailAddrArg(arg))
			c.setState(RcptOut)
			s.reply(c, "250 OK")
		case "DATA":
			if len(c.RcptTo) == 0 {
				s.reply(c, "503 RCPT TO required before DATA")
				continue
			}
			c.setState(DataIn)
			return "data"
		default:
			if s.bumpBadCommand(c) {
				return "reply" // bad-command flood: skip straight to Reply
			}
			s.reply(c, "500 Command unrecognized")
		}
	}
}

// postGreyOrGreet implements the final Reply behaviour: a blacklisted
// connection gets its matched message rendered, everyone else gets the
// fixed temporary-failure reply plus a posted grey event.
func (s *Server) postGreyOrGreet(ctx context.Context, c *Conn, blacklisted bool) {
	if blacklisted {
		srcHost := hostFromAddr(c.Socket.RemoteAddr())
		for _, set := range c.Matched {
			for _, line := range set.ReplyLines(550, srcHost) {
				s.reply(c, line)
			}
		}
		return
	}

	c.DstIP = s.lookupOrigDst(ctx, c)
	if s.Reader != nil && len(c.RcptTo) > 0 {
		msg := config.New()
		msg.SetInt("type", 1) // greylist.MsgGrey
		msg.SetStr("ip", hostFromAddr(c.Socket.RemoteAddr()))
		msg.SetStr("helo", c.Helo)
		msg.SetStr("from", c.MailFrom)
		msg.SetStr("to", c.RcptTo[len(c.RcptTo)-1])
		if c.DstIP != "" {
			msg.SetStr("dst_ip", c.DstIP)
		}
		if err := s.Reader.HandleMessage(ctx, msg); err != nil {
			s.Log.Warn("failed to post grey event", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}
	s.reply(c, tempFailReply)
}

// lookupOrigDst implements spec.md §4.5's "Original destination
// discovery": best-effort, DNATLookupTimeout-bounded, leaves DstIP
// empty on failure without aborting the grey event.
func (s *Server) lookupOrigDst(ctx context.Context, c *Conn) string {
	if s.Firewall == nil {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, DNATLookupTimeout)
	defer cancel()

	host, portStr, err := net.SplitHostPort(c.Socket.RemoteAddr().String())
	if err != nil {
		return ""
	}
	port, _ := strconv.Atoi(portStr)
	localHost, localPortStr, _ := net.SplitHostPort(c.Socket.LocalAddr().String())
	localPort, _ := strconv.Atoi(localPortStr)

	dst, err := s.Firewall.LookupOrigDst(lctx, host, uint16(port), localHost, uint16(localPort))
	if err != nil {
		return ""
	}
	return dst
}

// bumpBadCommand increments bad_cmd and reports whether the
// MaxBadCommands threshold has now been exceeded (spec.md §4.5's
// "after >20 bad commands, jump to Reply").
func (s *Server) bumpBadCommand(c *Conn) bool {
	c.BadCmd++
	return c.BadCmd > MaxBadCommands
}

func (s *Server) banner(c *Conn) error {
	c.setState(BannerOut)
	line := fmt.Sprintf("220 %s ESMTP %s; %s", s.Config.Hostname, s.Config.Banner, time.Now().Format(time.RFC1123Z))
	return s.writeLine(c, line)
}

func (s *Server) reply(c *Conn, line string) {
	_ = s.writeLine(c, line)
}

// readLine reads one CRLF- or LF-terminated line, bounded by MaxTime.
func (s *Server) readLine(c *Conn) (string, error) {
	c.RDeadline = time.Now()
	_ = c.Socket.SetReadDeadline(c.RDeadline.Add(MaxTime))

	raw, err := c.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

// writeLine writes one line terminated by CRLF, stuttering one byte at
// a time when the connection's Stutter flag is set and neither the
// per-session grey-stutter cutoff nor the global max_black override
// has disabled it.
func (s *Server) writeLine(c *Conn, line string) error {
	c.WDeadline = time.Now()
	_ = c.Socket.SetWriteDeadline(c.WDeadline.Add(MaxTime))

	data := []byte(injectCR(line) + "\r\n")

	stutter := c.Stutter && !s.stutterDisabledGlobally()
	if stutter && len(c.Matched) == 0 && time.Since(c.Started) > ConGreyStutter {
		stutter = false
	}

	if !stutter {
		_, err := c.Socket.Write(data)
		if err == nil && s.Metrics != nil {
			s.Metrics.StutterBytes.Add(0)
		}
		return err
	}

	if s.Metrics != nil {
		s.Metrics.StutterBytes.Add(float64(len(data)))
	}
	errc := StutterWrite(s.Scheduler, c.Socket, data, s.Config.StutterInterval)
	return <-errc
}

// injectCR ensures every bare '\n' is preceded by '\r', per spec.md
// §4.5 (writeLine already appends the final CRLF itself, so this only
// matters for embedded newlines in rendered blacklist messages).
func injectCR(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func splitCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " :")
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
}

// mailAddrArg extracts the address out of a MAIL FROM:<addr>/RCPT
// TO:<addr> argument, tolerating the bare form without angle brackets.
func mailAddrArg(arg string) string {
	// Drop the "FROM:"/"TO:" keyword that splitCommand leaves in arg.
	if i := strings.IndexByte(arg, ':'); i >= 0 && strings.IndexByte(arg[:i], '<') < 0 {
		arg = arg[i+1:]
	}
	arg = strings.TrimSpace(arg)
	if i := strings.IndexByte(arg, ' '); i >= 0 {
		arg = arg[:i]
	}
	return strings.Trim(arg, "<>")
}
