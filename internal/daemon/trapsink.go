package daemon

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mikey-austin/greyd-sub000/internal/blacklist"
	"github.com/mikey-austin/greyd-sub000/internal/config"
)

// TrapSink adapts a Server into a greylist.TraplistSink: every scan
// pass, the scanner hands it the current set of trapped IPs as a
// config.Message, and TrapSink compiles a fresh blacklist.Set from
// them and swaps it into the server.
type TrapSink struct {
	Server *Server
}

// PushTraplist implements greylist.TraplistSink.
func (t *TrapSink) PushTraplist(ctx context.Context, m *config.Message) error {
	name, _ := m.GetStr("name")
	message, _ := m.GetStr("message")
	ips, _ := m.GetList("ips")

	feed := strings.NewReader(strings.Join(ips, "\n"))
	set, err := blacklist.CompileTrieOnly(name, message, []io.Reader{feed})
	if err != nil {
		return fmt.Errorf("daemon: compile traplist: %w", err)
	}
	t.Server.ReplaceTrapSet(set)
	return nil
}
