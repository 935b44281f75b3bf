package writebatch

import (
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/cache"
	"github.com/mevdschee/tqbulk/statement"
)

// Topology exposes the replica ownership of the token ring
type Topology interface {
	TokenOf(routingKey []byte) statement.Token
	ReplicasFor(keyspace string, token statement.Token) []string
}

// Resolver derives the grouping key of a statement
type Resolver struct {
	mode     Mode
	topology Topology
	cache    *cache.Cache
	cacheTTL time.Duration
	log      *zap.Logger
	warned   atomic.Bool
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithTopology sets the topology used in replica-set mode
func WithTopology(t Topology) ResolverOption {
	return func(r *Resolver) { r.topology = t }
}

// WithCache memoises replica-set lookups for ttl
func WithCache(c *cache.Cache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithLogger sets the resolver logger
func WithLogger(log *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// NewResolver creates a resolver for mode
func NewResolver(mode Mode, opts ...ResolverOption) *Resolver {
	r := &Resolver{mode: mode, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the grouping key of s. ok is false when s carries
// neither a token nor a routing key.
//
// Keys are namespaced by keyspace, so statements of different keyspaces
// never share a key.
func (r *Resolver) Resolve(s *statement.Statement) (key string, ok bool) {
	var kind, value string
	switch {
	case s.Token != nil:
		kind, value = "t", s.Token.String()
	case s.RoutingKey != nil:
		kind, value = "k", string(s.RoutingKey)
	default:
		return "", false
	}
	if r.mode != ModeReplicaSet || r.topology == nil {
		return groupingKey(s.DB, kind, value), true
	}

	token := r.tokenOf(s)
	if replicas := r.replicaSet(s.DB, token); replicas != "" {
		return groupingKey(s.DB, "r", replicas), true
	}
	if r.warned.CompareAndSwap(false, true) {
		r.log.Warn("replica set unknown, grouping by partition key instead",
			zap.String("keyspace", s.DB), zap.Stringer("token", token))
	}
	return groupingKey(s.DB, kind, value), true
}

// groupingKey encodes the keyspace length first, so no keyspace and
// value pair can produce the key of another.
func groupingKey(keyspace, kind, value string) string {
	return strconv.Itoa(len(keyspace)) + ":" + keyspace + kind + ":" + value
}

func (r *Resolver) tokenOf(s *statement.Statement) statement.Token {
	if s.Token != nil {
		return *s.Token
	}
	return r.topology.TokenOf(s.RoutingKey)
}

// replicaSet returns the canonical form of the replicas owning token,
// or "" when the topology does not know them.
func (r *Resolver) replicaSet(keyspace string, token statement.Token) string {
	cacheKey := groupingKey(keyspace, "t", token.String())
	if r.cache != nil {
		if v, ok := r.cache.Get(cacheKey); ok {
			return v
		}
	}

	replicas := append([]string(nil), r.topology.ReplicasFor(keyspace, token)...)
	if len(replicas) == 0 {
		return ""
	}
	sort.Strings(replicas)
	v := strings.Join(replicas, ",")
	if r.cache != nil {
		r.cache.Set(cacheKey, v, r.cacheTTL)
	}
	return v
}
