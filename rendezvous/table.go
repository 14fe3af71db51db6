// Package rendezvous implements the server-side table that pairs freshly
// accepted public sockets with the return-path sockets a client dials in
// response to an asynchronous Connection notification.
//
// The table is a concurrent map keyed by session UUID, grounded on the
// same mutex-guarded-map-with-expiry shape as a single-use replay cache:
// entries are inserted once, removed at most once (atomically), and swept
// by a background goroutine once their deadline has passed.
package rendezvous

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParkTimeout is the fixed duration a parked connection waits for a
// matching Accept before it is reaped.
const ParkTimeout = 10 * time.Second

// SweepInterval bounds how long an unclaimed entry can outlive its
// deadline before the background sweep removes it.
const SweepInterval = 1 * time.Second

// parked is one accepted public socket awaiting a claim.
type parked struct {
	conn     net.Conn
	deadline time.Time
	tunnelID string
}

// Table maps session ids to parked connections for every tunnel on a
// server. A single Table is shared across all tunnels; entries are
// additionally tagged with the owning tunnel so a tunnel's teardown can
// sweep just its own entries.
type Table struct {
	mu          sync.Mutex
	byID        map[uuid.UUID]*parked
	parkTimeout time.Duration
	stopCh      chan struct{}
	once        sync.Once
}

// New creates an empty table with the default ParkTimeout and starts its
// background sweep loop.
func New() *Table {
	return NewWithTimeout(ParkTimeout)
}

// NewWithTimeout is like New but parks entries for d instead of the default
// ParkTimeout. d<=0 falls back to the default.
func NewWithTimeout(d time.Duration) *Table {
	if d <= 0 {
		d = ParkTimeout
	}
	t := &Table{
		byID:        make(map[uuid.UUID]*parked),
		parkTimeout: d,
		stopCh:      make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the background sweep. Entries are left untouched; callers
// that need a final reap should call RemoveTunnel explicitly.
func (t *Table) Close() {
	t.once.Do(func() { close(t.stopCh) })
}

// Insert parks conn under a freshly minted UUIDv4, globally unique by
// construction, and returns it for the caller to relay as Connection(id).
func (t *Table) Insert(tunnelID string, conn net.Conn) uuid.UUID {
	id := uuid.New()
	t.mu.Lock()
	t.byID[id] = &parked{
		conn:     conn,
		deadline: time.Now().Add(t.parkTimeout),
		tunnelID: tunnelID,
	}
	t.mu.Unlock()
	return id
}

// ClaimOutcome classifies the result of a claim attempt.
type ClaimOutcome int

const (
	ClaimOK ClaimOutcome = iota
	ClaimMissing
	ClaimExpired
)

// Claim atomically removes and returns the parked connection for id, if
// present and not yet expired. Apart from a successful claim, a connection
// leaves the table only by expiry or by RemoveTunnel for its tunnel, and at
// most one caller ever observes ok==true for a given id.
func (t *Table) Claim(id uuid.UUID) (net.Conn, bool) {
	conn, outcome := t.ClaimDetailed(id)
	return conn, outcome == ClaimOK
}

// ClaimDetailed is like Claim but distinguishes an unknown id from one that
// existed but had already passed its deadline, so callers can separate
// rendezvous misses from rendezvous timeouts in their own metrics.
func (t *Table) ClaimDetailed(id uuid.UUID) (net.Conn, ClaimOutcome) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return nil, ClaimMissing
	}
	delete(t.byID, id)
	if now.After(p.deadline) {
		_ = p.conn.Close()
		return nil, ClaimExpired
	}
	return p.conn, ClaimOK
}

// RemoveTunnel reaps every entry belonging to tunnelID, closing their
// sockets, and returns how many were removed. Called when a tunnel tears
// down so its public port can be safely returned to the OS.
func (t *Table) RemoveTunnel(tunnelID string) int {
	t.mu.Lock()
	var toClose []net.Conn
	for id, p := range t.byID {
		if p.tunnelID == tunnelID {
			toClose = append(toClose, p.conn)
			delete(t.byID, id)
		}
	}
	t.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
	return len(toClose)
}

// Len reports the current number of parked connections across all
// tunnels, for metrics/diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *Table) sweepLoop() {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepExpired()
		}
	}
}

func (t *Table) sweepExpired() {
	now := time.Now()
	t.mu.Lock()
	var toClose []net.Conn
	for id, p := range t.byID {
		if now.After(p.deadline) {
			toClose = append(toClose, p.conn)
			delete(t.byID, id)
		}
	}
	t.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
}
