package replica

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/statement"
)

// Checker reports whether the host at addr is reachable
type Checker func(ctx context.Context, addr string) error

// Pool manages a primary database and multiple read replicas arranged
// on a token ring. Every host owns an equal, contiguous token range.
type Pool struct {
	primary    string
	replicas   []string
	ring       []string // primary followed by replicas
	healthy    map[string]bool
	current    int // round-robin index
	rf         int
	keyspaceRF map[string]int
	checker    Checker
	log        *zap.Logger
	mu         sync.RWMutex
}

// Option configures a Pool
type Option func(*Pool)

// WithReplicationFactor sets the default number of owners per token
func WithReplicationFactor(rf int) Option {
	return func(p *Pool) { p.rf = rf }
}

// WithChecker replaces the TCP dial health check
func WithChecker(c Checker) Option {
	return func(p *Pool) { p.checker = c }
}

// WithLogger sets the pool logger
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// NewPool creates a new replica pool
func NewPool(primary string, replicas []string, opts ...Option) *Pool {
	p := &Pool{
		primary:    primary,
		healthy:    make(map[string]bool),
		rf:         3,
		keyspaceRF: make(map[string]int),
		checker:    dialCheck,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.setHosts(primary, replicas)

	// Initially mark all replicas as healthy
	for _, replica := range replicas {
		p.healthy[replica] = true
	}

	return p
}

func (p *Pool) setHosts(primary string, replicas []string) {
	p.primary = primary
	p.replicas = replicas
	p.ring = make([]string, 0, len(replicas)+1)
	if primary != "" {
		p.ring = append(p.ring, primary)
	}
	p.ring = append(p.ring, replicas...)
}

// UpdateReplicas updates the replica list for hot config reload.
// Existing healthy replicas keep their health status.
func (p *Pool) UpdateReplicas(primary string, replicas []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Build new healthy map, preserving status of existing replicas
	newHealthy := make(map[string]bool)
	for _, r := range replicas {
		if status, exists := p.healthy[r]; exists {
			newHealthy[r] = status
		} else {
			newHealthy[r] = true // New replicas start as healthy
		}
	}

	p.setHosts(primary, replicas)
	p.healthy = newHealthy

	// Reset round-robin index if it's now out of bounds
	if len(replicas) > 0 {
		p.current = p.current % len(replicas)
	} else {
		p.current = 0
	}
}

// SetReplicationFactor overrides the replication factor of a keyspace
func (p *Pool) SetReplicationFactor(keyspace string, rf int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyspaceRF[keyspace] = rf
}

// GetPrimary returns the primary database address
func (p *Pool) GetPrimary() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.primary
}

// Replicas returns the read replica addresses
func (p *Pool) Replicas() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.replicas...)
}

// Hosts returns every host on the ring, primary first
func (p *Pool) Hosts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.ring...)
}

// GetReplica returns the next healthy replica using round-robin,
// or the primary if no replicas are healthy. It returns (address, name).
func (p *Pool) GetReplica() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.replicas) == 0 {
		return p.primary, "primary"
	}

	// Try to find a healthy replica
	attempts := 0
	for attempts < len(p.replicas) {
		idx := p.current
		replica := p.replicas[idx]
		p.current = (p.current + 1) % len(p.replicas)
		attempts++

		if p.healthy[replica] {
			return replica, fmt.Sprintf("replica%d", idx+1)
		}
	}

	// No healthy replicas, fall back to primary
	p.log.Warn("no healthy replicas available, using primary")
	return p.primary, "primary"
}

// TokenOf hashes a routing key onto the token ring
func (p *Pool) TokenOf(routingKey []byte) statement.Token {
	return statement.Token(int64(xxhash.Sum64(routingKey)))
}

// ReplicasFor returns the hosts owning token in keyspace: the range
// owner followed by the next hosts clockwise, up to the replication
// factor. It returns nil when the ring is empty.
func (p *Pool) ReplicasFor(keyspace string, token statement.Token) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.ring)
	if n == 0 {
		return nil
	}
	rf := p.rf
	if v, ok := p.keyspaceRF[keyspace]; ok {
		rf = v
	}
	if rf <= 0 || rf > n {
		rf = n
	}

	owner := ownerIndex(token, n)
	owners := make([]string, rf)
	for i := 0; i < rf; i++ {
		owners[i] = p.ring[(owner+i)%n]
	}
	return owners
}

// ownerIndex maps a token to the index of the host owning its range
func ownerIndex(token statement.Token, n int) int {
	// Flip the sign bit so that token order maps onto unsigned order
	u := uint64(token) ^ (1 << 63)
	step := math.MaxUint64 / uint64(n)
	idx := int(u / step)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// MarkUnhealthy marks a replica as unhealthy
func (p *Pool) MarkUnhealthy(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.healthy[addr]; exists {
		p.healthy[addr] = false
		p.log.Info("marked replica unhealthy", zap.String("replica", addr))
	}
}

// MarkHealthy marks a replica as healthy
func (p *Pool) MarkHealthy(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.healthy[addr]; exists {
		wasUnhealthy := !p.healthy[addr]
		p.healthy[addr] = true
		if wasUnhealthy {
			p.log.Info("marked replica healthy", zap.String("replica", addr))
		}
	}
}

// IsHealthy returns whether a replica is healthy
func (p *Pool) IsHealthy(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy[addr]
}

// GetHealthyCount returns the number of healthy replicas
func (p *Pool) GetHealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, healthy := range p.healthy {
		if healthy {
			count++
		}
	}
	return count
}

// StartHealthChecks begins periodic health checks for all replicas
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial health check immediately
	p.checkAllReplicas(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAllReplicas(ctx)
		}
	}
}

func (p *Pool) checkAllReplicas(ctx context.Context) {
	p.mu.RLock()
	replicas := append([]string(nil), p.replicas...)
	p.mu.RUnlock()

	for _, replica := range replicas {
		go p.checkReplica(ctx, replica)
	}
}

func (p *Pool) checkReplica(ctx context.Context, addr string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.checker(ctx, addr); err != nil {
		p.MarkUnhealthy(addr)
		return
	}
	p.MarkHealthy(addr)
}

func dialCheck(ctx context.Context, addr string) error {
	network := "tcp"
	dialAddr := addr
	if len(addr) > 5 && addr[:5] == "unix:" {
		network = "unix"
		dialAddr = addr[5:]
	}

	// Simple connection check
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, dialAddr)
	if err != nil {
		return err
	}
	return conn.Close()
}
