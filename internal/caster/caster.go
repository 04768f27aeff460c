// Package caster implements the NTRIP caster core: the single-listener
// accept loop, the per-connection PENDING/CLIENT/SOURCE state machine, the
// fan-out router, the idle sweeper, and the admission counters.
//
// Connection state has exactly one owner at a time: one goroutine accepts
// connections, one goroutine per agent blocks on reads, and exactly one
// core goroutine (Caster.run) owns the three role collections, their
// counters, and every socket write. The other goroutines only ever hand
// results off over channels; they never touch agent or Caster state
// directly.
package caster

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zbum/ntripcaster/internal/credentials"
	"github.com/zbum/ntripcaster/internal/sourcetable"
)

// NTRIP response lines sent during admission.
const (
	respOK            = "ICY 200 OK\r\n"
	respForbidden     = "HTTP/1.0 403 Forbidden\r\n"
	respUnauthorized  = "HTTP/1.0 401 Unauthorized\r\n"
	respBadPassword   = "ERROR - Bad Password\r\n"
	respBadMountpoint = "ERROR - Bad Mountpoint\r\n"
)

// Limits holds the three per-role admission caps. A value of 0 disables the
// corresponding check.
type Limits struct {
	MaxPending int
	MaxClient  int
	MaxSource  int
}

// DefaultLimits returns the caster's default admission caps.
func DefaultLimits() Limits {
	return Limits{MaxPending: 20, MaxClient: 100, MaxSource: 20}
}

// Options configures a Caster.
type Options struct {
	Limits            Limits
	IdleTimeout       time.Duration // default 5s
	SweepInterval     time.Duration // default ~3s
	SweepInitialDelay time.Duration // default ~5s
	Credentials       *credentials.Store
	Metrics           MetricsSink
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 3 * time.Second
	}
	if o.SweepInitialDelay <= 0 {
		o.SweepInitialDelay = 5 * time.Second
	}
	return o
}

// Caster owns the agent collections and their counters. Every field below
// is touched only by the core goroutine started in Run.
type Caster struct {
	opts    Options
	creds   *credentials.Store
	metrics MetricsSink

	acceptCh chan net.Conn
	events   chan readEvent
	closed   chan struct{}

	pending       map[uuid.UUID]*Agent
	clients       map[uuid.UUID]*Agent
	sources       map[uuid.UUID]*Agent
	sourceByMount map[string]*Agent // lowercased mountpoint -> source, at most one per mountpoint
}

// New constructs a Caster. It does not start accepting connections until Run
// is called; building and binding the listening socket is the caller's
// responsibility.
func New(opts Options) *Caster {
	opts = opts.withDefaults()
	return &Caster{
		opts:          opts,
		creds:         opts.Credentials,
		metrics:       opts.Metrics,
		acceptCh:      make(chan net.Conn),
		events:        make(chan readEvent, 256),
		closed:        make(chan struct{}),
		pending:       make(map[uuid.UUID]*Agent),
		clients:       make(map[uuid.UUID]*Agent),
		sources:       make(map[uuid.UUID]*Agent),
		sourceByMount: make(map[string]*Agent),
	}
}

// Counts returns a snapshot of the three admission counters.
func (c *Caster) Counts() (pending, client, source int) {
	return len(c.pending), len(c.clients), len(c.sources)
}

// Run accepts connections from ln and drives the reactor until ctx is
// cancelled. It blocks until shutdown completes.
func (c *Caster) Run(ctx context.Context, ln net.Listener) {
	go c.acceptLoop(ctx, ln)
	c.run(ctx)
}

func (c *Caster) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("caster: accept failed", "error", err)
			continue
		}
		select {
		case c.acceptCh <- conn:
		case <-c.closed:
			conn.Close()
			return
		}
	}
}

func (c *Caster) run(ctx context.Context) {
	sweepTimer := time.NewTimer(c.opts.SweepInitialDelay)
	defer sweepTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			close(c.closed)
			c.shutdown()
			return
		case conn := <-c.acceptCh:
			c.dispatch(func() { c.onAccept(conn) })
		case ev := <-c.events:
			c.dispatch(func() { c.onReadEvent(ev) })
		case <-sweepTimer.C:
			c.dispatch(c.sweep)
			sweepTimer.Reset(c.opts.SweepInterval)
		}
	}
}

// dispatch runs fn and recovers any panic it raises, logging it instead of
// letting it unwind out of the core goroutine's select loop. Without this, a
// bug triggered by one malformed handshake or one bad read would tear down
// every other live connection along with it; with it, the worst case is that
// one event is dropped and the reactor keeps serving everyone else.
func (c *Caster) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("caster: event handler panic", "error", r)
		}
	}()
	fn()
}

// shutdown closes every still-live agent. The caller is expected to have
// already stopped feeding acceptCh (the accept loop exits once the listener
// is closed), so this only needs to drain what's already admitted.
func (c *Caster) shutdown() {
	for _, a := range c.pending {
		c.closeAgent(a)
	}
	for _, a := range c.clients {
		c.closeAgent(a)
	}
	for _, a := range c.sources {
		c.closeAgent(a)
	}
}

func (c *Caster) onAccept(conn net.Conn) {
	if c.opts.Limits.MaxPending != 0 && len(c.pending) >= c.opts.Limits.MaxPending {
		conn.Close()
		if c.metrics != nil {
			c.metrics.ConnRejected(RolePending)
		}
		return
	}

	now := time.Now()
	agent := newAgent(c, conn, now)
	c.pending[agent.id] = agent
	go agent.readLoop(c.events)

	if c.metrics != nil {
		c.metrics.ConnAccepted(RolePending)
		c.metrics.SetGauge(RolePending, len(c.pending))
	}
	slog.Debug("caster: agent pending", "id", agent.id, "peer", agent.peerAddr)
}

func (c *Caster) findAgent(id uuid.UUID) *Agent {
	if a, ok := c.pending[id]; ok {
		return a
	}
	if a, ok := c.clients[id]; ok {
		return a
	}
	if a, ok := c.sources[id]; ok {
		return a
	}
	return nil
}

func (c *Caster) onReadEvent(ev readEvent) {
	agent := c.findAgent(ev.agentID)
	if agent == nil {
		// Stray event for an agent already removed from every collection —
		// the trailing EOF or error from a close that already happened,
		// not a race, since removal always precedes the socket close.
		return
	}

	if ev.err != nil {
		c.closeAgent(agent)
		return
	}

	agent.lastActivity = time.Now() // only ever advances

	switch agent.role {
	case RolePending:
		c.onPendingData(agent, ev.data)
	case RoleClient:
		// Client-to-caster bytes (typically GGA position updates) are
		// drained, not acted on.
	case RoleSource:
		agent.inBytes += uint64(len(ev.data))
		if c.metrics != nil {
			c.metrics.BytesIn(agent.mountpoint, len(ev.data))
		}
		fanOut(c, agent, ev.data)
	}
}

func (c *Caster) onPendingData(agent *Agent, data []byte) {
	remaining := maxParseBuf - agent.parseLen - 1 // stay one byte short of full so the check below can tell
	if remaining <= 0 {
		c.closeAgent(agent) // buffer full without a decision
		return
	}
	n := len(data)
	if n > remaining {
		n = remaining
	}
	copy(agent.parseBuf[agent.parseLen:], data[:n])
	agent.parseLen += n // accumulates across reads; a handshake line can arrive split over several

	if agent.parseLen >= maxParseBuf-1 {
		// Filled the buffer on this read without reaching a decision below.
		result, p := classify(agent.parseBuf[:agent.parseLen])
		if result == outcomeWait {
			c.closeAgent(agent)
			return
		}
		c.applyClassification(agent, result, p)
		return
	}

	result, p := classify(agent.parseBuf[:agent.parseLen])
	c.applyClassification(agent, result, p)
}

func (c *Caster) applyClassification(agent *Agent, result outcome, p parsed) {
	switch result {
	case outcomeWait:
		return
	case outcomeClose:
		c.closeAgent(agent)
	case outcomeBecomeClient:
		c.admitClient(agent, p)
	case outcomeBecomeSource:
		c.admitSource(agent, p)
	}
}

func (c *Caster) admitClient(agent *Agent, p parsed) {
	if isSourceTableRequest(p.mountpoint) {
		body := sourcetable.Render(c.sourceSnapshot())
		writeBestEffort(agent.conn, []byte(sourceTableFrame(body)))
		c.closeAgent(agent)
		return
	}

	if c.creds != nil && !c.creds.AuthenticateReader(p.bearerToken, p.mountpoint) {
		writeBestEffort(agent.conn, []byte(respUnauthorized))
		c.closeAgent(agent)
		return
	}

	if c.opts.Limits.MaxClient != 0 && len(c.clients) >= c.opts.Limits.MaxClient {
		writeBestEffort(agent.conn, []byte(respForbidden))
		c.closeAgent(agent)
		return
	}

	if _, err := writeBestEffort(agent.conn, []byte(respOK)); err != nil {
		c.closeAgent(agent)
		return
	}

	delete(c.pending, agent.id)
	agent.role = RoleClient
	agent.mountpoint = p.mountpoint
	agent.userAgent = p.userAgent
	agent.parseLen = 0
	c.clients[agent.id] = agent

	if c.metrics != nil {
		c.metrics.ConnAccepted(RoleClient)
		c.metrics.SetGauge(RolePending, len(c.pending))
		c.metrics.SetGauge(RoleClient, len(c.clients))
	}
	slog.Info("caster: client admitted", "id", agent.id, "mountpoint", agent.mountpoint, "peer", agent.peerAddr)
}

func (c *Caster) admitSource(agent *Agent, p parsed) {
	if isSourceTableRequest(p.mountpoint) {
		writeBestEffort(agent.conn, []byte(respBadMountpoint))
		c.closeAgent(agent)
		return
	}

	if existing, ok := c.sourceByMount[strings.ToLower(p.mountpoint)]; ok && existing.id != agent.id {
		writeBestEffort(agent.conn, []byte(respBadMountpoint)) // mountpoint already has a source
		c.closeAgent(agent)
		return
	}

	if c.creds != nil && !c.creds.AuthenticateWriter(p.password, p.mountpoint) {
		writeBestEffort(agent.conn, []byte(respBadPassword))
		c.closeAgent(agent)
		return
	}

	if c.opts.Limits.MaxSource != 0 && len(c.sources) >= c.opts.Limits.MaxSource {
		writeBestEffort(agent.conn, []byte(respBadMountpoint))
		c.closeAgent(agent)
		return
	}

	if _, err := writeBestEffort(agent.conn, []byte(respOK)); err != nil {
		c.closeAgent(agent)
		return
	}

	delete(c.pending, agent.id)
	agent.role = RoleSource
	agent.mountpoint = p.mountpoint
	agent.userAgent = p.userAgent
	agent.parseLen = 0
	c.sources[agent.id] = agent
	c.sourceByMount[strings.ToLower(p.mountpoint)] = agent

	if c.metrics != nil {
		c.metrics.ConnAccepted(RoleSource)
		c.metrics.SetGauge(RolePending, len(c.pending))
		c.metrics.SetGauge(RoleSource, len(c.sources))
	}
	slog.Info("caster: source admitted", "id", agent.id, "mountpoint", agent.mountpoint, "peer", agent.peerAddr)
}

// closeAgent performs the standard termination path: deregister from the
// role collection, close the socket, update metrics. The map delete always
// happens before conn.Close, so a stray event for this agent can never find
// it still registered once its socket starts closing.
func (c *Caster) closeAgent(agent *Agent) {
	switch agent.role {
	case RolePending:
		delete(c.pending, agent.id)
	case RoleClient:
		delete(c.clients, agent.id)
	case RoleSource:
		delete(c.sources, agent.id)
		if existing, ok := c.sourceByMount[strings.ToLower(agent.mountpoint)]; ok && existing.id == agent.id {
			delete(c.sourceByMount, strings.ToLower(agent.mountpoint))
		}
	}
	agent.conn.Close()
	if c.metrics != nil {
		c.metrics.ConnClosed(agent.role)
		c.metrics.SetGauge(RolePending, len(c.pending))
		c.metrics.SetGauge(RoleClient, len(c.clients))
		c.metrics.SetGauge(RoleSource, len(c.sources))
	}
	slog.Debug("caster: agent closed", "id", agent.id, "role", agent.role, "mountpoint", agent.mountpoint)
}

// sweep closes any agent idle for at least the configured threshold.
// Deleting the current entry during a Go map range is well-defined, so this
// is safe against removal during iteration.
func (c *Caster) sweep() {
	now := time.Now()
	threshold := c.opts.IdleTimeout
	for _, a := range c.pending {
		if now.Sub(a.lastActivity) >= threshold {
			c.closeAgent(a)
		}
	}
	for _, a := range c.clients {
		if now.Sub(a.lastActivity) >= threshold {
			c.closeAgent(a)
		}
	}
	for _, a := range c.sources {
		if now.Sub(a.lastActivity) >= threshold {
			c.closeAgent(a)
		}
	}
}

func (c *Caster) sourceSnapshot() []sourcetable.Entry {
	entries := make([]sourcetable.Entry, 0, len(c.sources))
	for _, s := range c.sources {
		entries = append(entries, sourcetable.Entry{
			Mountpoint: s.mountpoint,
			Identifier: s.userAgent,
		})
	}
	return entries
}

func sourceTableFrame(body string) string {
	return "SOURCETABLE 200 OK\r\nServer: ntripcaster\r\nContent-Type: text/plain\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
