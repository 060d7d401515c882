// Package health periodically probes every configured backend
// destination and reports which ones are currently reachable, feeding
// internal/router's destination selection and the REST status surface.
//
// Grounded on the teacher's own checker.go: the bounded-parallel sweep,
// the consecutive-failures-before-unhealthy debounce, and the
// stop-channel lifecycle are all carried over unchanged, narrowed from
// a dual Postgres/MySQL prober keyed by tenant to a MySQL-only prober
// keyed by destination address, using internal/protocol's handshake
// decoder instead of the teacher's hand-rolled header parsing.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/metrics"
	"github.com/dbbouncer/mysqlrouter/internal/protocol"
	"github.com/dbbouncer/mysqlrouter/internal/router"
)

// Status is the health verdict for one destination.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// DestinationHealth holds the health state for one backend address.
type DestinationHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic protocol-level health checks against every
// destination named by the router's routes.
type Checker struct {
	mu    sync.RWMutex
	dests map[string]*DestinationHealth

	router  *router.Router
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ router.LivenessProbe = (*Checker)(nil)

// NewChecker creates a health checker with the given parameters.
func NewChecker(r *router.Router, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		dests:             make(map[string]*DestinationHealth),
		router:            r,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

// destinations returns every distinct destination address across all
// configured routes.
func (c *Checker) destinations() []string {
	routes := c.router.ListRoutes()
	seen := make(map[string]struct{})
	var addrs []string
	for _, rc := range routes {
		for _, d := range rc.Destinations {
			addr := d.Addr()
			if _, ok := seen[addr]; !ok {
				seen[addr] = struct{}{}
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

func (c *Checker) checkAll() {
	addrs := c.destinations()

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingDestination(addr)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(addr, elapsed, healthy)
			}
			c.updateStatus(addr, healthy)
		}()
	}
	wg.Wait()
}

// pingDestination performs a protocol-level liveness check: dial, read
// the server's initial HandshakeV10 greeting, and confirm it decodes as
// a well-formed greeting rather than an immediate error packet. This
// validates that MySQL itself is answering, not just that the TCP port
// accepts connections.
func (c *Checker) pingDestination(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, c.connectionTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(addr, "connection_refused")
		}
		c.setLastError(addr, err.Error())
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.connectionTimeout))

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		c.setLastError(addr, fmt.Sprintf("reading handshake header: %s", err))
		return false
	}
	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen <= 0 || payloadLen > 1<<16 {
		c.setLastError(addr, fmt.Sprintf("invalid handshake length: %d", payloadLen))
		return false
	}
	payload := make([]byte, payloadLen)
	if _, err := readFull(conn, payload); err != nil {
		c.setLastError(addr, fmt.Sprintf("reading handshake payload: %s", err))
		return false
	}

	if len(payload) > 0 && payload[0] == 0xff {
		c.setLastError(addr, "backend returned an error on connect")
		return false
	}
	if _, _, err := protocol.DecodeGreeting(payload); err != nil {
		c.setLastError(addr, fmt.Sprintf("decoding handshake: %s", err))
		return false
	}

	c.setLastError(addr, "")
	return true
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Checker) setLastError(addr, errMsg string) {
	c.mu.Lock()
	dh := c.getOrCreate(addr)
	if errMsg != "" {
		dh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(addr string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dh := c.getOrCreate(addr)
	dh.LastCheck = time.Now()

	if healthy {
		if dh.ConsecutiveFailures > 0 {
			slog.Info("destination recovered", "destination", addr, "failures", dh.ConsecutiveFailures)
		}
		dh.Status = StatusHealthy
		dh.ConsecutiveFailures = 0
		dh.LastError = ""
	} else {
		dh.ConsecutiveFailures++
		if dh.ConsecutiveFailures >= c.failureThreshold {
			if dh.Status != StatusUnhealthy {
				slog.Warn("destination marked unhealthy", "destination", addr, "failures", dh.ConsecutiveFailures, "error", dh.LastError)
			}
			dh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetDestinationHealth(addr, dh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(addr string) *DestinationHealth {
	dh, ok := c.dests[addr]
	if !ok {
		dh = &DestinationHealth{Status: StatusUnknown}
		c.dests[addr] = dh
	}
	return dh
}

// IsHealthy reports whether addr is healthy (or unknown, treated as
// healthy so routing isn't starved before the first sweep completes).
// Satisfies router.LivenessProbe.
func (c *Checker) IsHealthy(addr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dh, ok := c.dests[addr]
	if !ok {
		return true
	}
	return dh.Status != StatusUnhealthy
}

// GetStatus returns the health state for one destination.
func (c *Checker) GetStatus(addr string) DestinationHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dh, ok := c.dests[addr]
	if !ok {
		return DestinationHealth{Status: StatusUnknown}
	}
	return *dh
}

// GetAllStatuses returns health state for every known destination.
func (c *Checker) GetAllStatuses() map[string]DestinationHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]DestinationHealth, len(c.dests))
	for addr, dh := range c.dests {
		result[addr] = *dh
	}
	return result
}

// OverallHealthy reports whether no known destination is marked
// unhealthy; destinations whose status is still unknown count as
// healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, dh := range c.dests {
		if dh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
