package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/table"
)

// Tx is the Resources bundle of one transaction: the table locks it holds
// and the writers of every table it changed. Every table a statement reads
// or writes is locked on first touch and stays locked until Commit or
// Rollback, so transactions touching the same tables are serialized.
// Callers that may touch tables in different orders should bound ctx.
type Tx struct {
	ID uuid.UUID

	db  *Database
	ctx context.Context
	log *slog.Logger

	locked []string

	// mu guards writers and order against Cancel from other goroutines;
	// only the statement goroutine writes them.
	mu      sync.Mutex
	writers map[string]*table.Writer
	order   []string // first-touch order of writers

	failed error
	done   bool
}

var _ table.Resources = (*Tx)(nil)

// Begin starts a transaction. ctx bounds lock waits.
func (db *Database) Begin(ctx context.Context) (*Tx, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, ErrDatabaseClosed
	}
	return db.begin(ctx, "tx"), nil
}

func (db *Database) begin(ctx context.Context, kind string) *Tx {
	id := uuid.New()
	return &Tx{
		ID:      id,
		db:      db,
		ctx:     ctx,
		log:     db.log.With("tx", id.String(), "kind", kind),
		writers: make(map[string]*table.Writer),
	}
}

func (tx *Tx) lock(name string) error {
	for _, n := range tx.locked {
		if n == name {
			return nil
		}
	}
	if err := tx.db.locks.Acquire(tx.ctx, name); err != nil {
		return pkgerrors.Wrapf(err, "lock %s", name)
	}
	tx.locked = append(tx.locked, name)
	return nil
}

// Reader returns this transaction's view of a table: its writer when the
// table was written, the committed table otherwise.
func (tx *Tx) Reader(name string) (table.Reader, error) {
	if w, ok := tx.writers[name]; ok {
		return w, nil
	}
	t, err := tx.db.Table(name)
	if err != nil {
		return nil, err
	}
	if err := tx.lock(name); err != nil {
		return nil, err
	}
	return t, nil
}

func (tx *Tx) writer(name string) (*table.Writer, error) {
	if w, ok := tx.writers[name]; ok {
		return w, nil
	}
	t, err := tx.db.Table(name)
	if err != nil {
		return nil, err
	}
	if err := tx.lock(name); err != nil {
		return nil, err
	}
	w := t.NewWriter(tx)
	tx.mu.Lock()
	tx.writers[name] = w
	tx.order = append(tx.order, name)
	tx.mu.Unlock()
	return w, nil
}

func (tx *Tx) usable() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.failed != nil {
		return pkgerrors.Wrap(ErrTxAborted, tx.failed.Error())
	}
	return nil
}

// statement runs fn against the writer of name. A failure that rolled the
// writer back poisons the transaction; schema errors do not.
func (tx *Tx) statement(name string, fn func(w *table.Writer) error) error {
	if err := tx.usable(); err != nil {
		return err
	}
	w, err := tx.writer(name)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		if w.Aborted() {
			tx.failed = err
			tx.log.Debug("statement aborted transaction", "table", name, "err", err)
		}
		return err
	}
	return nil
}

// Insert adds one row. values is aligned with every declared column of the
// table, soft-deleted ones included.
func (tx *Tx) Insert(name string, values []any, checkReferencingRules bool) (int64, error) {
	var off int64
	err := tx.statement(name, func(w *table.Writer) error {
		var err error
		off, err = w.Insert(values, checkReferencingRules)
		return err
	})
	return off, err
}

// Delete removes the rows matching pred; hint may name an indexed equality.
func (tx *Tx) Delete(name string, pred catalog.Expression, hint *table.Hint) (int, error) {
	var n int
	err := tx.statement(name, func(w *table.Writer) error {
		var err error
		n, err = w.Delete(pred, hint)
		return err
	})
	return n, err
}

func (tx *Tx) Update(name string, set []table.Assignment, pred catalog.Expression, hint *table.Hint) (int, error) {
	var n int
	err := tx.statement(name, func(w *table.Writer) error {
		var err error
		n, err = w.Update(set, pred, hint)
		return err
	})
	return n, err
}

// Lookup reads rows of name whose column equals key, including this
// transaction's own changes.
func (tx *Tx) Lookup(name, column string, key any) ([][]any, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	r, err := tx.Reader(name)
	if err != nil {
		return nil, err
	}
	recs, err := r.Lookup(column, key)
	if err != nil {
		return nil, err
	}
	return values(recs), nil
}

// Scan reads every live row of name, including this transaction's own
// changes.
func (tx *Tx) Scan(name string) ([][]any, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	r, err := tx.Reader(name)
	if err != nil {
		return nil, err
	}
	recs, err := table.Collect(r.Scan())
	if err != nil {
		return nil, err
	}
	return values(recs), nil
}

// Cancel asks a running statement to stop at the next row. It may be
// called from any goroutine.
func (tx *Tx) Cancel() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, w := range tx.writers {
		w.Cancel()
	}
}

// Commit commits writers in the order they were first written. If one fails
// the rest are rolled back; tables committed before it stay committed.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.failed != nil {
		err := tx.failed
		tx.Rollback()
		return pkgerrors.Wrap(ErrTxAborted, err.Error())
	}
	defer tx.finish()

	for i, name := range tx.order {
		if err := tx.writers[name].Commit(); err != nil {
			for _, rest := range tx.order[i+1:] {
				tx.writers[rest].Rollback()
			}
			tx.log.Error("commit failed", "table", name, "committed", tx.order[:i], "err", err)
			return pkgerrors.Wrapf(err, "tx %s", tx.ID)
		}
	}
	tx.log.Debug("committed", "tables", tx.order)
	return nil
}

// Rollback discards every buffered change. It is safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	defer tx.finish()
	for _, name := range tx.order {
		tx.writers[name].Rollback()
	}
}

func (tx *Tx) finish() {
	tx.done = true
	for _, name := range tx.locked {
		if err := tx.db.locks.Release(name); err != nil {
			tx.log.Warn("release table lock", "table", name, "err", err)
		}
	}
	tx.locked = nil
}

func values(recs []record.Record) [][]any {
	out := make([][]any, len(recs))
	for i, r := range recs {
		out[i] = r.Values
	}
	return out
}
