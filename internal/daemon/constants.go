package daemon

import "time"

// Timing and limit constants from spec.md §4.5.
const (
	// MaxTime is the total cap on any single read or write.
	MaxTime = 400 * time.Second
	// ConGreyStutter disables stutter on a greylisted (not blacklisted)
	// connection once the session exceeds this wall time.
	ConGreyStutter = 10 * time.Second
	// DNATLookupTimeout bounds how long the engine waits for a reverse
	// NAT lookup before proceeding with an empty dst_ip.
	DNATLookupTimeout = 1000 * time.Millisecond
	// AcceptTolerance is added to max_cons before the accept loop starts
	// refusing new connections outright (spec.md §4.5's "total count
	// plus a tolerance of 5").
	AcceptTolerance = 5
)

// DefaultStutterInterval is the per-byte delay used when a connection's
// Stutter flag is set and no override is configured.
const DefaultStutterInterval = 1 * time.Second
