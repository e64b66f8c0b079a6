package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/config"
)

// fakeReceiver records every message handed to it by an Engine's recv
// loop, standing in for greylist.Reader.
type fakeReceiver struct {
	msgs chan *config.Message
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{msgs: make(chan *config.Message, 8)}
}

func (f *fakeReceiver) HandleMessage(ctx context.Context, m *config.Message) error {
	f.msgs <- m
	return nil
}

func mustStartLoopback(t *testing.T, recv Receiver) *Engine {
	t.Helper()
	e := New(Config{}, recv, zap.NewNop())
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	e.conn = conn
	return e
}

func TestEngineSendRecvGrey(t *testing.T) {
	recv := newFakeReceiver()
	receiverEngine := mustStartLoopback(t, recv)
	defer receiverEngine.Stop()

	sender := mustStartLoopback(t, nil)
	defer sender.Stop()
	sender.peers = []*net.UDPAddr{receiverEngine.conn.LocalAddr().(*net.UDPAddr)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiverEngine.Run(ctx)

	now := time.Unix(1700000000, 0)
	if err := sender.BroadcastGrey(ctx, "192.0.2.5", "mx.sender.example", "a@sender.example", "b@recipient.example", now); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-recv.msgs:
		ip, _ := m.GetStr("ip")
		to, _ := m.GetStr("to")
		syncFlag, _ := m.GetInt("sync")
		if ip != "192.0.2.5" || to != "b@recipient.example" {
			t.Errorf("received message = ip:%q to:%q", ip, to)
		}
		if syncFlag != 1 {
			t.Errorf("sync flag = %d, want 1", syncFlag)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the GREY message to arrive")
	}
}

func TestEngineSendRecvWhiteAndTrapped(t *testing.T) {
	recv := newFakeReceiver()
	receiverEngine := mustStartLoopback(t, recv)
	defer receiverEngine.Stop()

	sender := mustStartLoopback(t, nil)
	defer sender.Stop()
	sender.peers = []*net.UDPAddr{receiverEngine.conn.LocalAddr().(*net.UDPAddr)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiverEngine.Run(ctx)

	now := time.Unix(1700000000, 0)
	expire := now.Add(36 * 24 * time.Hour)
	if err := sender.BroadcastWhite(ctx, "198.51.100.7", now, expire); err != nil {
		t.Fatal(err)
	}
	if err := sender.BroadcastTrapped(ctx, "203.0.113.9", now, expire); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int64{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-recv.msgs:
			ip, _ := m.GetStr("ip")
			typ, _ := m.GetInt("type")
			seen[ip] = typ
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}
	if seen["198.51.100.7"] != 3 { // greylist.MsgWhite
		t.Errorf("white message type = %d, want 3", seen["198.51.100.7"])
	}
	if seen["203.0.113.9"] != 2 { // greylist.MsgTrap
		t.Errorf("trap message type = %d, want 2", seen["203.0.113.9"])
	}
}

func TestEngineVerifiedDatagramRejectsWrongKey(t *testing.T) {
	recv := newFakeReceiver()
	receiverEngine := mustStartLoopback(t, recv)
	receiverEngine.verify = true
	receiverEngine.key = []byte("receiver-key")
	defer receiverEngine.Stop()

	sender := mustStartLoopback(t, nil)
	sender.key = []byte("sender-key")
	defer sender.Stop()
	sender.peers = []*net.UDPAddr{receiverEngine.conn.LocalAddr().(*net.UDPAddr)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiverEngine.Run(ctx)

	if err := sender.BroadcastGrey(ctx, "192.0.2.6", "mx", "a@x.example", "b@y.example", time.Unix(1700000000, 0)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-recv.msgs:
		t.Fatal("a datagram signed with the wrong key must not be delivered")
	case <-time.After(300 * time.Millisecond):
		// expected: dropped silently (with a logged warning)
	}
}
