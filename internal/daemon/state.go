// Package daemon implements the connection engine (component E): the
// per-connection SMTP state machine, the stutter writer, and the accept
// loop tying the store, blacklist, greylist and firewall components
// together. One goroutine per accepted connection stands in for the
// original's single poll() loop; internal/daemon/stutter.go's min-heap
// scheduler is the idiomatic-Go analogue of that single loop for the
// one thing goroutines-plus-net.Conn deadlines don't give for free:
// coordinated byte-at-a-time stutter timing across every connection
// without one timer goroutine per byte.
package daemon

// State is a step of the SMTP session state machine (spec.md §4.5). The
// enum-plus-String() shape mirrors the teacher's own Phase/Action/Option
// types in rnodes.go.
type State int

const (
	ProxyIn State = iota
	ProxyOut
	BannerIn
	BannerOut
	HeloIn
	HeloOut
	MailIn
	MailOut
	RcptIn
	RcptOut
	DataIn
	DataOut
	Message
	Reply
	Close
)

var stateNames = map[State]string{
	ProxyIn: "ProxyIn", ProxyOut: "ProxyOut",
	BannerIn: "BannerIn", BannerOut: "BannerOut",
	HeloIn: "HeloIn", HeloOut: "HeloOut",
	MailIn: "MailIn", MailOut: "MailOut",
	RcptIn: "RcptIn", RcptOut: "RcptOut",
	DataIn: "DataIn", DataOut: "DataOut",
	Message: "Message", Reply: "Reply", Close: "Close",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "State(?)"
}

// MaxBadCommands is the bad_cmd threshold past which the engine jumps
// straight to Reply (spec.md §4.5).
const MaxBadCommands = 20
