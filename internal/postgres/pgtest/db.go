// Package pgtest replays a script of expected statements in place of a pgx
// pool, so repository SQL paths can be tested without a server. Statements
// run inside a transaction are replayed by the same DB.
package pgtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

var errUnexpected = errors.New("unexpected statement")

// Stmt is one expected statement and its result.
type Stmt struct {
	SQL  string  // fragment the statement must contain, whitespace-insensitive
	Tag  string  // command tag an Exec returns, e.g. "UPDATE 1"
	Row  []any   // values a QueryRow scans; nil means no rows
	Rows [][]any // rows a Query returns
	Err  error
}

type Call struct {
	SQL  string
	Args []any
}

// DB satisfies postgres.DB and pgx.Tx. Methods it does not script panic.
type DB struct {
	pgx.Tx

	t      testing.TB
	mu     sync.Mutex
	script []Stmt

	Calls      []Call
	Copied     [][]any
	Begun      int
	Committed  bool
	RolledBack bool
}

func New(t testing.TB, script ...Stmt) *DB {
	return &DB{t: t, script: script}
}

// Done fails the test when scripted statements were never run.
func (db *DB) Done() {
	db.t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.script) > 0 {
		db.t.Errorf("%d scripted statements not run, next: %q", len(db.script), db.script[0].SQL)
	}
}

func (db *DB) next(sql string, args []any) Stmt {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.Calls = append(db.Calls, Call{SQL: compact(sql), Args: args})
	if len(db.script) == 0 {
		db.t.Errorf("unexpected statement: %s", compact(sql))
		return Stmt{Err: errUnexpected}
	}
	st := db.script[0]
	db.script = db.script[1:]
	if !strings.Contains(compact(sql), compact(st.SQL)) {
		db.t.Errorf("statement %q does not contain %q", compact(sql), st.SQL)
		return Stmt{Err: errUnexpected}
	}
	return st
}

func compact(s string) string { return strings.Join(strings.Fields(s), " ") }

func (db *DB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	db.mu.Lock()
	db.Begun++
	db.mu.Unlock()
	return db, nil
}

func (db *DB) Commit(context.Context) error {
	db.Committed = true
	return nil
}

func (db *DB) Rollback(context.Context) error {
	if !db.Committed {
		db.RolledBack = true
	}
	return nil
}

func (db *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	st := db.next(sql, args)
	if st.Err != nil {
		return pgconn.CommandTag{}, st.Err
	}
	return pgconn.NewCommandTag(st.Tag), nil
}

func (db *DB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return row(db.next(sql, args))
}

func (db *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	st := db.next(sql, args)
	if st.Err != nil {
		return nil, st.Err
	}
	return &rows{data: st.Rows}, nil
}

func (db *DB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	return &batch{db: db, queued: b.QueuedQueries}
}

// CopyFrom matches the script against "COPY <table>" and keeps the rows.
func (db *DB) CopyFrom(_ context.Context, table pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	st := db.next("COPY "+strings.Join(table, "."), nil)
	if st.Err != nil {
		return 0, st.Err
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		db.mu.Lock()
		db.Copied = append(db.Copied, vals)
		db.mu.Unlock()
		n++
	}
	return n, src.Err()
}

type row Stmt

func (r row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Row == nil {
		return pgx.ErrNoRows
	}
	return assign(dest, r.Row)
}

type rows struct {
	data [][]any
	i    int
}

func (r *rows) Close()     {}
func (r *rows) Err() error { return nil }
func (r *rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data)))
}
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}
func (r *rows) Scan(dest ...any) error { return assign(dest, r.data[r.i-1]) }
func (r *rows) Values() ([]any, error) { return r.data[r.i-1], nil }
func (r *rows) RawValues() [][]byte    { return nil }
func (r *rows) Conn() *pgx.Conn        { return nil }

type batch struct {
	db     *DB
	queued []*pgx.QueuedQuery
	i      int
}

func (b *batch) pop() Stmt {
	if b.i >= len(b.queued) {
		b.db.t.Errorf("batch read past its %d queued statements", len(b.queued))
		return Stmt{Err: errUnexpected}
	}
	q := b.queued[b.i]
	b.i++
	return b.db.next(q.SQL, q.Arguments)
}

func (b *batch) Exec() (pgconn.CommandTag, error) {
	st := b.pop()
	if st.Err != nil {
		return pgconn.CommandTag{}, st.Err
	}
	return pgconn.NewCommandTag(st.Tag), nil
}

func (b *batch) Query() (pgx.Rows, error) {
	st := b.pop()
	if st.Err != nil {
		return nil, st.Err
	}
	return &rows{data: st.Rows}, nil
}

func (b *batch) QueryRow() pgx.Row { return row(b.pop()) }

func (b *batch) Close() error { return nil }

// assign copies scripted values into scan targets, converting between
// compatible kinds such as int and a named int status.
func assign(dest, vals []any) error {
	if len(dest) != len(vals) {
		return errors.Errorf("scan %d values into %d targets", len(vals), len(dest))
	}
	for i, v := range vals {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return errors.Errorf("scan target %d is not a pointer", i)
		}
		target := dv.Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		vv := reflect.ValueOf(v)
		switch {
		case vv.Type().AssignableTo(target.Type()):
			target.Set(vv)
		case target.Kind() == reflect.Pointer && vv.Type().AssignableTo(target.Type().Elem()):
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(vv)
			target.Set(p)
		case vv.Type().ConvertibleTo(target.Type()) && vv.Kind() != reflect.String:
			target.Set(vv.Convert(target.Type()))
		default:
			return errors.Errorf("cannot scan %T into %s", v, target.Type())
		}
	}
	return nil
}
