// Package sqlscript is a database/sql driver that replays a fixed script of
// expected statements. Storage tests use it to check the exact SQL a store
// issues without a running database.
package sqlscript

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Kind identifies the driver call a Step expects.
type Kind int

const (
	KindExec Kind = iota
	KindQuery
	KindBegin
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

// Step is one expected call. SQL is compared with whitespace collapsed; an
// empty SQL matches any statement.
type Step struct {
	Kind     Kind
	SQL      string
	Columns  []string
	Rows     [][]driver.Value
	Affected int64
	Err      error
	// Args, when non-nil, must equal the statement arguments.
	Args []driver.Value
}

// Exec expects an ExecContext call.
func Exec(query string, affected int64) Step {
	return Step{Kind: KindExec, SQL: query, Affected: affected}
}

// Query expects a QueryContext call and answers with rows.
func Query(query string, columns []string, rows ...[]driver.Value) Step {
	return Step{Kind: KindQuery, SQL: query, Columns: columns, Rows: rows}
}

func Begin() Step    { return Step{Kind: KindBegin} }
func Commit() Step   { return Step{Kind: KindCommit} }
func Rollback() Step { return Step{Kind: KindRollback} }

// Fail returns a copy of s that answers with err.
func (s Step) Fail(err error) Step {
	s.Err = err
	return s
}

// WithArgs returns a copy of s that also checks arguments.
func (s Step) WithArgs(args ...driver.Value) Step {
	s.Args = args
	return s
}

// Script is a registered driver instance.
type Script struct {
	mu    sync.Mutex
	steps []Step
	pos   int
}

var seq atomic.Int64

// Open registers a fresh driver for steps and returns a single-connection
// pool over it. The pool is closed and the script checked for unconsumed
// steps when the test ends.
func Open(t testing.TB, steps ...Step) (*sql.DB, *Script) {
	t.Helper()
	s := &Script{steps: steps}
	name := fmt.Sprintf("sqlscript-%d", seq.Add(1))
	sql.Register(name, s)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		if left := s.Remaining(); left > 0 {
			t.Errorf("sqlscript: %d expected statements were not executed", left)
		}
	})
	return db, s
}

// Remaining reports how many steps have not been consumed.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.pos
}

func (s *Script) take(kind Kind, query string, args []driver.NamedValue) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return Step{}, fmt.Errorf("sqlscript: unexpected %s %q", kind, compact(query))
	}
	step := s.steps[s.pos]
	s.pos++
	if step.Kind != kind {
		return Step{}, fmt.Errorf("sqlscript: step %d wants %s, got %s", s.pos, step.Kind, kind)
	}
	if step.SQL != "" && compact(step.SQL) != compact(query) {
		return Step{}, fmt.Errorf("sqlscript: step %d sql mismatch\nwant %q\n got %q", s.pos, compact(step.SQL), compact(query))
	}
	if step.Args != nil {
		if len(step.Args) != len(args) {
			return Step{}, fmt.Errorf("sqlscript: step %d wants %d args, got %d", s.pos, len(step.Args), len(args))
		}
		for i, want := range step.Args {
			if fmt.Sprint(want) != fmt.Sprint(args[i].Value) {
				return Step{}, fmt.Errorf("sqlscript: step %d arg %d want %v got %v", s.pos, i, want, args[i].Value)
			}
		}
	}
	return step, step.Err
}

func compact(query string) string { return strings.Join(strings.Fields(query), " ") }

// Open implements driver.Driver.
func (s *Script) Open(string) (driver.Conn, error) { return conn{s}, nil }

type conn struct{ s *Script }

func (c conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("sqlscript: prepare not supported: %s", query)
}

func (c conn) Close() error { return nil }

func (c conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.s.take(KindBegin, "", nil); err != nil {
		return nil, err
	}
	return tx(c), nil
}

func (c conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	step, err := c.s.take(KindExec, query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(step.Affected), nil
}

func (c conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	step, err := c.s.take(KindQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &rows{columns: step.Columns, values: step.Rows}, nil
}

func (c conn) Ping(context.Context) error { return nil }

type tx conn

func (t tx) Commit() error {
	_, err := t.s.take(KindCommit, "", nil)
	return err
}

func (t tx) Rollback() error {
	_, err := t.s.take(KindRollback, "", nil)
	return err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	next    int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}

var (
	_ driver.Driver         = (*Script)(nil)
	_ driver.ConnBeginTx    = conn{}
	_ driver.ExecerContext  = conn{}
	_ driver.QueryerContext = conn{}
	_ driver.Pinger         = conn{}
	_ driver.Tx             = tx{}
)
