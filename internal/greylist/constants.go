package greylist

import "time"

// Timing constants from spec.md §4.4 / original_source/src/grey.h.
const (
	// PassTime is how long a first-seen tuple must wait before a retry
	// is accepted as legitimate.
	PassTime = 25 * time.Minute
	// GreyExpiry is how long an un-passed grey tuple survives before
	// Scan reclaims it.
	GreyExpiry = 4 * time.Hour
	// TrapExpiry is how long a trapped IP stays blocked.
	TrapExpiry = 24 * time.Hour
	// WhiteExpiry is how long a passed (whitelisted) IP stays
	// whitelisted before it must earn it again.
	WhiteExpiry = 36 * 24 * time.Hour
	// ScanInterval is the Scanner's sleep between maintenance passes.
	ScanInterval = 60 * time.Second
	// LowPrioMXGrace is how long the daemon must have been up before
	// the low_prio_mx forced-trap rule applies, so a freshly restarted
	// daemon does not trap mail already in flight to the low-priority
	// MX.
	LowPrioMXGrace = 60 * time.Second
)

// Pipe message type tags, spec.md §6's daemon->reader pipe protocol
// (distinct numbering from the sync wire's TLV types in internal/sync).
const (
	MsgGrey = 1
	MsgTrap = 2
	MsgWhite = 3
)
