package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DialFunc opens a new backend connection to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// OnPoolExhausted is called when a caller must wait because the pool is
// at capacity for an endpoint.
type OnPoolExhausted func(endpoint string)

// Stats summarizes a pool's occupancy, matching the router status API's
// connection-pool view.
type Stats struct {
	Idle      int   `json:"idle"`
	Stashed   int   `json:"stashed"`
	Active    int   `json:"active"`
	Total     int   `json:"total"`
	Waiting   int   `json:"waiting"`
	MaxIdle   int   `json:"max_idle_server_connections"`
	Exhausted int64 `json:"pool_exhausted_total"`
}

type stashKey struct {
	endpoint string
	clientID string
}

// Pool is a shared connection pool across potentially many destination
// endpoints (one per route), backed by a plain idle list per endpoint
// and a secondary stash keyed by (endpoint, client identifier) for
// client-affinity reuse. Its Add/AddIfNotFull/Stash/UnstashMine/
// UnstashIf/DiscardAllStashed/Erase operations mirror the classic
// ConnectionPool's equal-range stash lookup and capacity-gated add.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	dial            DialFunc
	maxIdle         int
	idleTimeout     time.Duration
	maxLifetime     time.Duration
	acquireTimeout  time.Duration
	quitFrame       []byte
	onPoolExhausted OnPoolExhausted

	idle    map[string][]*PooledConn
	stash   map[stashKey]*PooledConn
	active  map[*PooledConn]struct{}
	total   int
	waiting int

	exhausted int64
	closed    bool
	stopCh    chan struct{}
}

// Config carries the connection_pool-section settings a Pool needs.
type Config struct {
	MaxIdleServerConnections int
	IdleTimeout              time.Duration
	MaxLifetime              time.Duration
	AcquireTimeout           time.Duration
	QuitFrame                []byte
}

// New creates a Pool that dials new backend connections via dial.
func New(dial DialFunc, cfg Config) *Pool {
	p := &Pool{
		dial:           dial,
		maxIdle:        cfg.MaxIdleServerConnections,
		idleTimeout:    cfg.IdleTimeout,
		maxLifetime:    cfg.MaxLifetime,
		acquireTimeout: cfg.AcquireTimeout,
		quitFrame:      cfg.QuitFrame,
		idle:           make(map[string][]*PooledConn),
		stash:          make(map[stashKey]*PooledConn),
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// SetOnPoolExhausted installs a callback invoked whenever Acquire must
// wait for capacity.
func (p *Pool) SetOnPoolExhausted(cb OnPoolExhausted) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPoolExhausted = cb
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, l := range p.idle {
		n += len(l)
	}
	return n + len(p.stash)
}

// UnstashMine pops the stashed connection belonging to clientID on
// endpoint, if any — the fast path for a client reconnecting quickly
// enough to reclaim its own warm session.
func (p *Pool) UnstashMine(endpoint, clientID string) *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := stashKey{endpoint: endpoint, clientID: clientID}
	pc, ok := p.stash[key]
	if !ok {
		return nil
	}
	delete(p.stash, key)
	pc.MarkActive()
	p.active[pc] = struct{}{}
	return pc
}

// UnstashIf pops any stashed connection for endpoint whose last-used
// time is at or before the given instant — the equal_range-style lookup
// the pool falls back on when no client-owned entry exists but any
// sufficiently idle stashed connection will do.
func (p *Pool) UnstashIf(endpoint string, notAfter time.Time) *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pc := range p.stash {
		if key.endpoint != endpoint {
			continue
		}
		if pc.LastUsed().After(notAfter) {
			continue
		}
		delete(p.stash, key)
		pc.MarkActive()
		p.active[pc] = struct{}{}
		return pc
	}
	return nil
}

// Stash moves pc out of active use into the stash under clientID,
// making it available to UnstashMine/UnstashIf instead of the plain
// idle list. Returns false, with pc no longer tracked as active, if the
// pool is closed or pc has exceeded its max lifetime.
func (p *Pool) Stash(pc *PooledConn, clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, pc)
	if p.closed || pc.IsExpired(p.maxLifetime) {
		return false
	}
	pc.MarkStashed(clientID)
	p.stash[stashKey{endpoint: pc.Endpoint(), clientID: clientID}] = pc
	p.cond.Signal()
	return true
}

// DiscardAllStashed breaks clientID's stash affinity on every endpoint:
// per spec §4.D's discard_all_stashed(from), only the disconnecting
// client's own stashed entries are touched. Each one moves to the
// plain idle list if there's room there (so another client can still
// pick it up through Acquire), or is closed via the quit procedure
// otherwise — used when a client disconnects, since nobody can reclaim
// its affinity anymore but the connection itself may still be useful
// to whoever asks next.
func (p *Pool) DiscardAllStashed(clientID string) {
	p.mu.Lock()
	victims := make([]*PooledConn, 0)
	for key, pc := range p.stash {
		if key.clientID != clientID {
			continue
		}
		delete(p.stash, key)
		victims = append(victims, pc)
	}
	p.mu.Unlock()
	for _, pc := range victims {
		if !p.AddIfNotFull(pc) {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			pc.Quit(p.quitFrame)
		}
	}
}

// Erase removes pc from whichever list currently holds it and closes
// it, used when a connection must be dropped rather than reused (the
// proxy calls it after a failed schema restore, an unsharable session
// end, or a lost backend).
func (p *Pool) Erase(pc *PooledConn) {
	p.mu.Lock()
	delete(p.active, pc)
	if l, ok := p.idle[pc.Endpoint()]; ok {
		for i, c := range l {
			if c == pc {
				p.idle[pc.Endpoint()] = append(l[:i], l[i+1:]...)
				break
			}
		}
	}
	for key, c := range p.stash {
		if c == pc {
			delete(p.stash, key)
		}
	}
	p.total--
	p.mu.Unlock()
	pc.Quit(p.quitFrame)
}

// AddIfNotFull returns pc to the plain idle list for its endpoint only
// if the pool has not reached maxIdle capacity; otherwise it reports
// false and the caller must close pc itself.
func (p *Pool) AddIfNotFull(pc *PooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, pc)
	if p.closed || pc.IsExpired(p.maxLifetime) {
		return false
	}
	if p.maxIdle > 0 && p.idleCountLocked() >= p.maxIdle {
		return false
	}
	pc.MarkIdle()
	p.idle[pc.Endpoint()] = append(p.idle[pc.Endpoint()], pc)
	p.cond.Signal()
	return true
}

// Add unconditionally returns pc to the idle list, evicting the
// least-recently-used idle connection on any endpoint (pc's own
// included) first if the pool is at capacity.
func (p *Pool) Add(pc *PooledConn) {
	p.mu.Lock()
	delete(p.active, pc)
	if p.closed {
		p.mu.Unlock()
		pc.Quit(p.quitFrame)
		return
	}
	if p.maxIdle > 0 && p.idleCountLocked() >= p.maxIdle {
		victim := p.oldestIdleLocked()
		if victim != nil {
			p.removeIdleLocked(victim)
			p.total--
			p.mu.Unlock()
			victim.Quit(p.quitFrame)
			p.mu.Lock()
		}
	}
	pc.MarkIdle()
	p.idle[pc.Endpoint()] = append(p.idle[pc.Endpoint()], pc)
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) oldestIdleLocked() *PooledConn {
	var oldest *PooledConn
	for _, l := range p.idle {
		for _, pc := range l {
			if oldest == nil || pc.LastUsed().Before(oldest.LastUsed()) {
				oldest = pc
			}
		}
	}
	return oldest
}

func (p *Pool) removeIdleLocked(pc *PooledConn) {
	l := p.idle[pc.Endpoint()]
	for i, c := range l {
		if c == pc {
			p.idle[pc.Endpoint()] = append(l[:i], l[i+1:]...)
			return
		}
	}
}

// Acquire returns a connection to endpoint: an idle connection if one
// is available and live, otherwise a newly dialed one, otherwise the
// caller waits for capacity — the same sync.Cond wait loop shape the
// tenant-keyed pool this package started from used.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*PooledConn, error) {
	deadlineAt := time.Now().Add(p.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closed")
		}

		for len(p.idle[endpoint]) > 0 {
			l := p.idle[endpoint]
			pc := l[len(l)-1]
			p.idle[endpoint] = l[:len(l)-1]

			if pc.IsExpired(p.maxLifetime) {
				p.total--
				p.mu.Unlock()
				pc.Close()
				p.mu.Lock()
				continue
			}
			if err := pc.Ping(); err != nil {
				p.total--
				p.mu.Unlock()
				pc.Close()
				p.mu.Lock()
				continue
			}
			pc.MarkActive()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.maxIdle <= 0 || p.total < p.maxIdle {
			p.total++
			p.mu.Unlock()

			conn, err := p.dial(ctx, endpoint)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: dial %s: %w", endpoint, err)
			}
			pc := NewPooledConn(conn, endpoint, p)
			pc.MarkActive()
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()
		if cb != nil {
			cb(endpoint)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout for %s: pool exhausted", endpoint)
		}
		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closing")
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout for %s: pool exhausted", endpoint)
		}
	}
}

// Return releases pc back to the plain idle list (not the stash — the
// caller must call Stash explicitly when client affinity applies).
func (p *Pool) Return(pc *PooledConn) {
	if !p.AddIfNotFull(pc) {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		pc.Quit(p.quitFrame)
	}
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, l := range p.idle {
		idle += len(l)
	}
	return Stats{
		Idle:      idle,
		Stashed:   len(p.stash),
		Active:    len(p.active),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxIdle:   p.maxIdle,
		Exhausted: p.exhausted,
	}
}

// reapLoop periodically evicts idle and stashed connections that have
// exceeded idleTimeout.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	var victims []*PooledConn
	for ep, l := range p.idle {
		kept := l[:0]
		for _, pc := range l {
			if pc.IsIdle(p.idleTimeout) || pc.IsExpired(p.maxLifetime) {
				victims = append(victims, pc)
				p.total--
				continue
			}
			kept = append(kept, pc)
		}
		p.idle[ep] = kept
	}
	for key, pc := range p.stash {
		if (p.idleTimeout > 0 && time.Since(pc.LastUsed()) > p.idleTimeout) || pc.IsExpired(p.maxLifetime) {
			delete(p.stash, key)
			victims = append(victims, pc)
			p.total--
		}
	}
	p.mu.Unlock()
	for _, pc := range victims {
		pc.Quit(p.quitFrame)
	}
	if len(victims) > 0 {
		slog.Debug("pool: reaped idle connections", "count", len(victims))
	}
}

// Close shuts the pool down: closes every idle and stashed connection
// and wakes any waiters so they fail fast.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	var victims []*PooledConn
	for _, l := range p.idle {
		victims = append(victims, l...)
	}
	for _, pc := range p.stash {
		victims = append(victims, pc)
	}
	p.idle = make(map[string][]*PooledConn)
	p.stash = make(map[stashKey]*PooledConn)
	p.total -= len(victims)
	p.cond.Broadcast()
	p.mu.Unlock()
	for _, pc := range victims {
		pc.Quit(p.quitFrame)
	}
}

// Manager owns one Pool per route, keyed by route name, so each route's
// destinations and connection_pool settings stay independent.
type Manager struct {
	mu          sync.RWMutex
	pools       map[string]*Pool
	statsStopCh chan struct{}
	closeOnce   sync.Once
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		pools:       make(map[string]*Pool),
		statsStopCh: make(chan struct{}),
	}
}

// GetOrCreate returns the pool for routeName, creating it with cfg and
// dial if it doesn't exist yet.
func (m *Manager) GetOrCreate(routeName string, dial DialFunc, cfg Config) *Pool {
	m.mu.RLock()
	if p, ok := m.pools[routeName]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[routeName]; ok {
		return p
	}
	p := New(dial, cfg)
	m.pools[routeName] = p
	slog.Info("created connection pool", "route", routeName)
	return p
}

// Get returns the pool for routeName, if it exists.
func (m *Manager) Get(routeName string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[routeName]
	return p, ok
}

// Remove closes and removes the pool for routeName.
func (m *Manager) Remove(routeName string) bool {
	m.mu.Lock()
	p, ok := m.pools[routeName]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, routeName)
	m.mu.Unlock()
	p.Close()
	slog.Info("removed connection pool", "route", routeName)
	return true
}

// AllStats returns stats for every route's pool, keyed by route name.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Stats()
	}
	return out
}

// Close shuts down every route's pool.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.statsStopCh) })
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
