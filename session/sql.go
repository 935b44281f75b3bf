package session

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/replica"
	"github.com/mevdschee/tqbulk/statement"
)

// SQLSession implements Session on database/sql. Writes go to the
// primary, reads to a healthy replica picked by the pool.
type SQLSession struct {
	primary  *sql.DB
	replicas map[string]*sql.DB
	pool     *replica.Pool
	log      *zap.Logger
}

// Option configures a SQLSession
type Option func(*SQLSession)

// WithLogger sets the session logger
func WithLogger(log *zap.Logger) Option {
	return func(s *SQLSession) { s.log = log }
}

// Open opens one database handle per host of pool, using the host
// addresses as data source names for driver.
func Open(driver string, pool *replica.Pool, opts ...Option) (*SQLSession, error) {
	primary, err := sql.Open(driver, pool.GetPrimary())
	if err != nil {
		return nil, errors.Wrap(err, "opening primary")
	}
	s := &SQLSession{
		primary:  primary,
		replicas: make(map[string]*sql.DB),
		pool:     pool,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, addr := range pool.Replicas() {
		db, err := sql.Open(driver, addr)
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "opening replica %d", len(s.replicas)+1)
		}
		s.replicas[addr] = db
	}
	return s, nil
}

// FromDB creates a single-host session around db
func FromDB(db *sql.DB, opts ...Option) *SQLSession {
	s := &SQLSession{
		primary:  db,
		replicas: make(map[string]*sql.DB),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the topology of the session, nil for FromDB sessions
func (s *SQLSession) Pool() *replica.Pool {
	return s.pool
}

// Check pings the database behind addr. It is meant to be used as the
// health checker of the replica pool.
func (s *SQLSession) Check(ctx context.Context, addr string) error {
	db, ok := s.replicas[addr]
	if !ok {
		db = s.primary
	}
	return db.PingContext(ctx)
}

// Close closes every database handle
func (s *SQLSession) Close() error {
	var errs error
	if err := s.primary.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	for _, db := range s.replicas {
		if err := db.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (s *SQLSession) readDB() *sql.DB {
	if s.pool == nil || len(s.replicas) == 0 {
		return s.primary
	}
	addr, name := s.pool.GetReplica()
	if db, ok := s.replicas[addr]; ok {
		s.log.Debug("routing read", zap.String("replica", name))
		return db
	}
	return s.primary
}

// ExecuteWrite implements Session
func (s *SQLSession) ExecuteWrite(ctx context.Context, unit statement.ExecutionUnit) (WriteAck, error) {
	stmts := unit.Statements()
	if len(stmts) == 1 {
		return s.executeSingle(ctx, stmts[0])
	}

	// Check if all queries are identical
	allSame := true
	for _, st := range stmts[1:] {
		if st.Query != stmts[0].Query {
			allSame = false
			break
		}
	}
	if allSame {
		return s.executePreparedBatch(ctx, stmts)
	}
	return s.executeTransactionBatch(ctx, stmts)
}

// executeSingle executes a single write statement
func (s *SQLSession) executeSingle(ctx context.Context, st *statement.Statement) (WriteAck, error) {
	result, err := s.primary.ExecContext(ctx, st.Query, st.Args...)
	if err != nil {
		return WriteAck{}, err
	}
	return ackOf(result), nil
}

// executePreparedBatch executes identical statements through one
// prepared statement inside a transaction
func (s *SQLSession) executePreparedBatch(ctx context.Context, stmts []*statement.Statement) (WriteAck, error) {
	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return WriteAck{}, errors.Wrap(err, "begin batch")
	}
	prepared, err := tx.PrepareContext(ctx, stmts[0].Query)
	if err != nil {
		_ = tx.Rollback()
		return WriteAck{}, errors.Wrap(err, "prepare batch")
	}
	defer prepared.Close()

	var ack WriteAck
	for _, st := range stmts {
		result, err := prepared.ExecContext(ctx, st.Args...)
		if err != nil {
			_ = tx.Rollback()
			return WriteAck{}, err
		}
		ack.add(ackOf(result))
	}
	if err := tx.Commit(); err != nil {
		return WriteAck{}, errors.Wrap(err, "commit batch")
	}
	return ack, nil
}

// executeTransactionBatch executes mixed statements in a transaction
func (s *SQLSession) executeTransactionBatch(ctx context.Context, stmts []*statement.Statement) (WriteAck, error) {
	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return WriteAck{}, errors.Wrap(err, "begin batch")
	}

	var ack WriteAck
	for _, st := range stmts {
		result, err := tx.ExecContext(ctx, st.Query, st.Args...)
		if err != nil {
			_ = tx.Rollback()
			return WriteAck{}, err
		}
		ack.add(ackOf(result))
	}
	if err := tx.Commit(); err != nil {
		return WriteAck{}, errors.Wrap(err, "commit batch")
	}
	return ack, nil
}

func ackOf(result sql.Result) WriteAck {
	affected, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return WriteAck{AffectedRows: affected, LastInsertID: lastID}
}

func (a *WriteAck) add(o WriteAck) {
	a.AffectedRows += o.AffectedRows
	if o.LastInsertID != 0 {
		a.LastInsertID = o.LastInsertID
	}
}
