package caster

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// Role is the classification state of an Agent. It starts at RolePending
// and transitions exactly once, to RoleClient or RoleSource; it never
// transitions back.
type Role int

const (
	RolePending Role = iota
	RoleClient
	RoleSource
)

func (r Role) String() string {
	switch r {
	case RolePending:
		return "pending"
	case RoleClient:
		return "client"
	case RoleSource:
		return "source"
	default:
		return "unknown"
	}
}

const (
	maxMountpointLen = 63
	maxUserAgentLen  = 63
	maxParseBuf      = 1023
	relayReadBuf     = 511
)

// Agent represents one accepted TCP connection and its per-connection state.
// After creation it is mutated only by the caster's single core goroutine;
// the agent's own readLoop goroutine only ever reads from the socket and
// hands bytes off over a channel, never touching these fields directly.
type Agent struct {
	id   uuid.UUID
	conn net.Conn

	role       Role
	mountpoint string
	peerAddr   string
	userAgent  string

	loginTime    time.Time
	lastActivity time.Time

	parseBuf [maxParseBuf]byte
	parseLen int

	inBytes  uint64
	outBytes uint64

	caster *Caster
}

// ID identifies the agent for the lifetime of the connection.
func (a *Agent) ID() uuid.UUID { return a.id }

// Role returns the agent's current classification.
func (a *Agent) Role() Role { return a.role }

// Mountpoint returns the agent's bound mountpoint (empty while pending).
func (a *Agent) Mountpoint() string { return a.mountpoint }

// PeerAddr returns the textual numeric host of the remote endpoint.
func (a *Agent) PeerAddr() string { return a.peerAddr }

// UserAgent returns the captured User-Agent/Source-Agent header value.
func (a *Agent) UserAgent() string { return a.userAgent }

// LoginTime returns the wall-clock instant the agent was accepted.
func (a *Agent) LoginTime() time.Time { return a.loginTime }

// LastActivity returns the monotonic instant of the agent's last successful read.
func (a *Agent) LastActivity() time.Time { return a.lastActivity }

func newAgent(c *Caster, conn net.Conn, now time.Time) *Agent {
	peerAddr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		if host, _, err := net.SplitHostPort(ra.String()); err == nil {
			peerAddr = host
		} else {
			peerAddr = ra.String()
		}
	}
	return &Agent{
		id:           uuid.New(),
		conn:         conn,
		role:         RolePending,
		peerAddr:     peerAddr,
		loginTime:    now,
		lastActivity: now,
		caster:       c,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// readEvent carries one read result from an agent's reader goroutine back to
// the core goroutine: either a chunk of bytes or a terminal error. The
// reader goroutine never touches Agent fields directly — it only ever reads
// the socket and hands the result off over this channel, so agent state
// always has exactly one writer.
type readEvent struct {
	agentID uuid.UUID
	data    []byte
	err     error
}

// readLoop blocks on reads from the connection and forwards every successful
// read and the terminal error to events, until the connection errors or is
// closed from outside. A recover here keeps a panic on this connection's
// goroutine (e.g. from a misbehaving net.Conn implementation) from taking
// down anything beyond this one agent.
func (a *Agent) readLoop(events chan<- readEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent read loop panic", "id", a.id, "error", r)
		}
	}()

	// relayReadBuf sizes each read at the relay chunk size; PENDING
	// handshake bytes arrive through the same loop and accumulate across
	// however many reads of this size it takes classify to reach a decision.
	buf := make([]byte, relayReadBuf)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			events <- readEvent{agentID: a.id, data: data}
		}
		if err != nil {
			events <- readEvent{agentID: a.id, err: err}
			return
		}
	}
}

// writeBestEffort issues a single opportunistic write with a short deadline.
// Short or failed writes are tolerated: the caller decides what, if
// anything, to do about the failure — there is no retry loop for writes
// that fail to reach a client or source.
func writeBestEffort(conn net.Conn, data []byte) (int, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.Write(data)
}
