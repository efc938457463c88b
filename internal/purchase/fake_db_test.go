package purchase

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/richardliu001/course-purchase-service/internal/repo"
)

type pair struct{ student, course string }

// fakeDB models the parts of postgres the engine depends on: READ COMMITTED
// visibility, transaction-scoped advisory locks, an optional partial unique
// index, and transactions that reject everything after an error.
type fakeDB struct {
	mu   sync.Mutex
	cond *sync.Cond

	committed []*model.Purchase
	ledger    map[string]*model.ProcessedEvent

	indexPresent bool
	locks        map[int64]*fakeTx
	reserved     map[pair]*fakeTx

	txs       []*fakeTx
	beginErrs []error

	// abortNextConflictInserts makes that many on-conflict inserts fail with 25P02.
	abortNextConflictInserts int
	// conflictInsertErr is returned once by the next on-conflict insert without poisoning the tx.
	conflictInsertErr error
	// beforePlainInsert runs under the lock right before InsertPurchase checks the index.
	beforePlainInsert func(db *fakeDB)
}

func newFakeDB(indexPresent bool) *fakeDB {
	db := &fakeDB{
		indexPresent: indexPresent,
		ledger:       map[string]*model.ProcessedEvent{},
		locks:        map[int64]*fakeTx{},
		reserved:     map[pair]*fakeTx{},
	}
	db.cond = sync.NewCond(&db.mu)
	return db
}

func (db *fakeDB) Begin(context.Context) (repo.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.beginErrs) > 0 {
		err := db.beginErrs[0]
		db.beginErrs = db.beginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tx := &fakeTx{db: db, id: len(db.txs) + 1}
	db.txs = append(db.txs, tx)
	return tx, nil
}

func (db *fakeDB) begins() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.txs)
}

func (db *fakeDB) activeCount(student, course string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, p := range db.committed {
		if p.StudentID == student && p.CourseID == course && p.IsActive {
			n++
		}
	}
	return n
}

// committedActive must be called with mu held.
func (db *fakeDB) committedActive(k pair) *model.Purchase {
	for _, p := range db.committed {
		if p.StudentID == k.student && p.CourseID == k.course && p.IsActive {
			return p
		}
	}
	return nil
}

type fakeTx struct {
	db *fakeDB
	id int

	staged       []*model.Purchase
	stagedLedger []*model.ProcessedEvent

	poisoned bool
	done     bool

	commits          int
	rollbacks        int
	callsAfterPoison int
}

var errTxDone = errors.New("sql: transaction has already been committed or rolled back")

func abortedErr() error {
	return &pgconn.PgError{Code: "25P02", Message: "current transaction is aborted, commands ignored until end of transaction block"}
}

// enter must be called with mu held.
func (t *fakeTx) enter() error {
	if t.done {
		return errTxDone
	}
	if t.poisoned {
		t.callsAfterPoison++
		return abortedErr()
	}
	return nil
}

func (t *fakeTx) FindActivePurchaseForUpdate(_ context.Context, student, course string) (*model.Purchase, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if err := t.enter(); err != nil {
		return nil, err
	}
	for _, p := range t.staged {
		if p.StudentID == student && p.CourseID == course && p.IsActive {
			return p, nil
		}
	}
	if p := t.db.committedActive(pair{student, course}); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (t *fakeTx) InsertPurchaseOnConflict(_ context.Context, p *model.Purchase) (bool, error) {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := t.enter(); err != nil {
		return false, err
	}
	if err := db.conflictInsertErr; err != nil {
		db.conflictInsertErr = nil
		return false, err
	}
	if db.abortNextConflictInserts > 0 {
		db.abortNextConflictInserts--
		t.poisoned = true
		return false, abortedErr()
	}
	if !db.indexPresent {
		t.poisoned = true
		return false, &pgconn.PgError{Code: "42P10", Message: "there is no unique or exclusion constraint matching the ON CONFLICT specification"}
	}
	k := pair{p.StudentID, p.CourseID}
	for {
		if db.committedActive(k) != nil {
			return false, nil
		}
		holder := db.reserved[k]
		if holder == nil || holder == t {
			break
		}
		// postgres waits for the in-flight inserter to finish before deciding
		db.cond.Wait()
	}
	db.reserved[k] = t
	t.staged = append(t.staged, p)
	return true, nil
}

func (t *fakeTx) InsertPurchase(_ context.Context, p *model.Purchase) error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := t.enter(); err != nil {
		return err
	}
	if db.beforePlainInsert != nil {
		hook := db.beforePlainInsert
		db.beforePlainInsert = nil
		hook(db)
	}
	k := pair{p.StudentID, p.CourseID}
	if db.indexPresent {
		for db.reserved[k] != nil && db.reserved[k] != t {
			db.cond.Wait()
		}
		if db.committedActive(k) != nil {
			t.poisoned = true
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
		db.reserved[k] = t
	}
	t.staged = append(t.staged, p)
	return nil
}

func (t *fakeTx) AcquirePairLock(_ context.Context, key int64) error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := t.enter(); err != nil {
		return err
	}
	for db.locks[key] != nil && db.locks[key] != t {
		db.cond.Wait()
	}
	db.locks[key] = t
	return nil
}

func (t *fakeTx) InsertProcessedEvent(_ context.Context, evt *model.ProcessedEvent) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if err := t.enter(); err != nil {
		return err
	}
	t.stagedLedger = append(t.stagedLedger, evt)
	return nil
}

func (t *fakeTx) Commit() error {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.commits++
	if t.poisoned {
		t.release()
		return errors.New("commit unexpectedly resulted in rollback")
	}
	db.committed = append(db.committed, t.staged...)
	for _, e := range t.stagedLedger {
		if _, ok := db.ledger[e.EventID]; !ok {
			db.ledger[e.EventID] = e
		}
	}
	t.release()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.rollbacks++
	t.release()
	return nil
}

// release must be called with mu held.
func (t *fakeTx) release() {
	db := t.db
	for k, holder := range db.locks {
		if holder == t {
			delete(db.locks, k)
		}
	}
	for k, holder := range db.reserved {
		if holder == t {
			delete(db.reserved, k)
		}
	}
	t.staged = nil
	t.stagedLedger = nil
	t.done = true
	db.cond.Broadcast()
}
