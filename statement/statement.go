package statement

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// ErrMixedKeyspaces is returned when a batch holds statements targeting
// different keyspaces.
var ErrMixedKeyspaces = errors.New("batch statements target different keyspaces")

// Token is a position on the cluster token ring.
type Token int64

// String returns the decimal form of the token
func (t Token) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// ExecutionUnit is either a single Statement or a Batch
type ExecutionUnit interface {
	// Statements returns the statements in execution order.
	Statements() []*Statement
	// Len returns the number of statements in the unit.
	Len() int
	// SizeBytes returns the estimated encoded size of the unit.
	SizeBytes() int64
	// Keyspace returns the keyspace the unit targets, or "" if unknown.
	Keyspace() string
}

// Statement is a single read query or write statement. A Statement must
// not be modified once it has been handed to a batcher or an executor.
type Statement struct {
	Query      string
	Args       []interface{}
	DB         string // Keyspace (database) targeted by the statement
	RoutingKey []byte // Partition key bytes, nil when unknown
	Token      *Token // Explicit routing token, takes precedence over RoutingKey
	Idempotent bool
	Size       int64 // Estimated size in bytes
}

// New creates a statement for query with the given arguments
func New(query string, args ...interface{}) *Statement {
	return &Statement{Query: query, Args: args}
}

// WithRoutingKey returns a copy of s routed by key
func (s *Statement) WithRoutingKey(key []byte) *Statement {
	c := *s
	c.RoutingKey = key
	return &c
}

// WithToken returns a copy of s routed by an explicit token
func (s *Statement) WithToken(t Token) *Statement {
	c := *s
	c.Token = &t
	return &c
}

// WithKeyspace returns a copy of s targeting keyspace
func (s *Statement) WithKeyspace(keyspace string) *Statement {
	c := *s
	c.DB = keyspace
	return &c
}

// WithSize returns a copy of s with an estimated size
func (s *Statement) WithSize(size int64) *Statement {
	c := *s
	c.Size = size
	return &c
}

func (s *Statement) Statements() []*Statement { return []*Statement{s} }
func (s *Statement) Len() int                 { return 1 }
func (s *Statement) SizeBytes() int64         { return s.Size }
func (s *Statement) Keyspace() string         { return s.DB }

// Batch is an ordered, non-empty group of write statements executed by
// the database as one unit.
type Batch struct {
	stmts []*Statement
	size  int64
}

// NewBatch creates a batch from stmts. It panics when stmts is empty.
func NewBatch(stmts ...*Statement) *Batch {
	if len(stmts) == 0 {
		panic("statement: empty batch")
	}
	b := &Batch{stmts: make([]*Statement, 0, len(stmts))}
	for _, s := range stmts {
		b.Add(s)
	}
	return b
}

// NewSizedBatch creates a batch holding s counted as size bytes
func NewSizedBatch(s *Statement, size int64) *Batch {
	b := &Batch{}
	b.AddSized(s, size)
	return b
}

// Add appends a statement and updates the running totals
func (b *Batch) Add(s *Statement) {
	b.AddSized(s, s.Size)
}

// AddSized appends a statement counted as size bytes. Batchers use it
// for members whose size had to be estimated.
func (b *Batch) AddSized(s *Statement, size int64) {
	b.stmts = append(b.stmts, s)
	b.size += size
}

func (b *Batch) Statements() []*Statement { return b.stmts }
func (b *Batch) Len() int                 { return len(b.stmts) }
func (b *Batch) SizeBytes() int64         { return b.size }

// Keyspace returns the first non-empty keyspace of the batch members
func (b *Batch) Keyspace() string {
	for _, s := range b.stmts {
		if s.DB != "" {
			return s.DB
		}
	}
	return ""
}

// Validate reports ErrMixedKeyspaces when two members name different
// non-empty keyspaces.
func (b *Batch) Validate() error {
	ks := ""
	for _, s := range b.stmts {
		if s.DB == "" {
			continue
		}
		if ks == "" {
			ks = s.DB
			continue
		}
		if s.DB != ks {
			return errors.Wrapf(ErrMixedKeyspaces, "%q and %q", ks, s.DB)
		}
	}
	return nil
}

// Unit returns the batch as an ExecutionUnit; a single-member batch
// degrades to its only statement.
func (b *Batch) Unit() ExecutionUnit {
	if len(b.stmts) == 1 {
		return b.stmts[0]
	}
	return b
}
