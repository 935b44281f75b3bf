package writebatch

import (
	"context"
	"strconv"

	"github.com/mevdschee/tqbulk/statement"
)

// Batcher groups write statements into execution units. A Batcher holds
// no state between calls and may be used concurrently.
type Batcher struct {
	config    Config
	resolver  *Resolver
	estimator statement.Estimator
}

// Option configures a Batcher
type Option func(*Batcher)

// WithEstimator sizes statements that carry no size of their own. The
// default is statement.DefaultEstimator.
func WithEstimator(e statement.Estimator) Option {
	return func(b *Batcher) { b.estimator = e }
}

// New creates a batcher. A nil resolver groups by partition key only.
func New(config Config, resolver *Resolver, opts ...Option) *Batcher {
	if resolver == nil {
		resolver = NewResolver(config.Mode)
	}
	b := &Batcher{config: config, resolver: resolver, estimator: statement.DefaultEstimator{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// group accumulates the statements of one grouping key
type group struct {
	current *statement.Batch
	flushed []statement.ExecutionUnit
}

// groups is an insertion-ordered map of groups
type groups struct {
	index map[string]*group
	order []*group
}

func newGroups() *groups {
	return &groups{index: make(map[string]*group)}
}

func (g *groups) get(key string) *group {
	if grp, ok := g.index[key]; ok {
		return grp
	}
	grp := &group{}
	g.index[key] = grp
	g.order = append(g.order, grp)
	return grp
}

// sizeOf returns the size of s, estimated when s carries none. Sizes
// only matter when a byte limit is set.
func (b *Batcher) sizeOf(s *statement.Statement) int64 {
	if s.Size > 0 || b.config.MaxSizeBytes <= 0 {
		return s.Size
	}
	return statement.EstimateSize(b.estimator, s, b.resolver.log)
}

// full reports whether adding size bytes to batch would break a
// configured limit
func (b *Batcher) full(batch *statement.Batch, size int64) bool {
	if b.config.MaxStatements > 0 && batch.Len()+1 > b.config.MaxStatements {
		return true
	}
	if b.config.MaxSizeBytes > 0 && batch.SizeBytes()+size > b.config.MaxSizeBytes {
		return true
	}
	return false
}

// add appends s to grp and returns the unit flushed to make room, if any
func (b *Batcher) add(grp *group, s *statement.Statement) statement.ExecutionUnit {
	size := b.sizeOf(s)
	if grp.current == nil {
		grp.current = statement.NewSizedBatch(s, size)
		return nil
	}
	if !b.full(grp.current, size) {
		grp.current.AddSized(s, size)
		return nil
	}
	unit := grp.current.Unit()
	grp.current = statement.NewSizedBatch(s, size)
	return unit
}

func (b *Batcher) key(s *statement.Statement, i int) string {
	if key, ok := b.resolver.Resolve(s); ok {
		return key
	}
	// Statements without a key form their own group
	return "\x01" + strconv.Itoa(i)
}

// BatchByGroupingKey groups stmts by grouping key. Units are returned
// group by group, groups in first-seen order, each group's units in
// arrival order. With ModeNone every statement is returned as is.
func (b *Batcher) BatchByGroupingKey(stmts []*statement.Statement) []statement.ExecutionUnit {
	if b.config.Mode == ModeNone {
		return passthrough(stmts)
	}
	gs := newGroups()
	for i, s := range stmts {
		grp := gs.get(b.key(s, i))
		if unit := b.add(grp, s); unit != nil {
			grp.flushed = append(grp.flushed, unit)
		}
	}
	return gs.drain(len(stmts))
}

// BatchAll batches stmts as one group, ignoring grouping keys
func (b *Batcher) BatchAll(stmts []*statement.Statement) []statement.ExecutionUnit {
	gs := newGroups()
	grp := gs.get("")
	for _, s := range stmts {
		if unit := b.add(grp, s); unit != nil {
			grp.flushed = append(grp.flushed, unit)
		}
	}
	return gs.drain(len(stmts))
}

func (g *groups) drain(capacity int) []statement.ExecutionUnit {
	out := make([]statement.ExecutionUnit, 0, capacity)
	for _, grp := range g.order {
		out = append(out, grp.flushed...)
		if grp.current != nil {
			out = append(out, grp.current.Unit())
		}
	}
	return out
}

func passthrough(stmts []*statement.Statement) []statement.ExecutionUnit {
	out := make([]statement.ExecutionUnit, len(stmts))
	for i, s := range stmts {
		out[i] = s
	}
	return out
}

// BatchStream groups statements read from in until it is closed. A
// group's batch is sent as soon as it is full; trailing batches are sent
// in group first-seen order once in is closed. The returned channel is
// closed when all units have been sent or ctx is done.
func (b *Batcher) BatchStream(ctx context.Context, in <-chan *statement.Statement) <-chan statement.ExecutionUnit {
	out := make(chan statement.ExecutionUnit)
	go func() {
		defer close(out)
		send := func(u statement.ExecutionUnit) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}

		gs := newGroups()
		for {
			var s *statement.Statement
			var ok bool
			select {
			case s, ok = <-in:
			case <-ctx.Done():
				return
			}
			if !ok {
				break
			}
			if b.config.Mode == ModeNone {
				if !send(s) {
					return
				}
				continue
			}
			key, ok := b.resolver.Resolve(s)
			if !ok {
				// Nothing can join a statement without a key
				if !send(s) {
					return
				}
				continue
			}
			grp := gs.get(key)
			if unit := b.add(grp, s); unit != nil {
				if !send(unit) {
					return
				}
			}
			// A batch at the statement limit cannot grow, send it now
			if b.config.MaxStatements > 0 && grp.current.Len() >= b.config.MaxStatements {
				unit := grp.current.Unit()
				grp.current = nil
				if !send(unit) {
					return
				}
			}
		}
		for _, grp := range gs.order {
			if grp.current != nil && !send(grp.current.Unit()) {
				return
			}
		}
	}()
	return out
}
