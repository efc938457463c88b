package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardliu001/course-purchase-service/internal/metrics"
	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/richardliu001/course-purchase-service/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type probeStub struct {
	calls  atomic.Int32
	exists atomic.Bool
	err    error
}

func (p *probeStub) probe(context.Context) (bool, error) {
	p.calls.Add(1)
	if p.err != nil {
		return false, p.err
	}
	return p.exists.Load(), nil
}

func newTestEngine(t *testing.T, db *fakeDB, reportIndex bool) (*Engine, *probeStub) {
	log := zaptest.NewLogger(t).Sugar()
	probe := &probeStub{}
	probe.exists.Store(reportIndex)
	cache := NewIndexCache(probe.probe, 5*time.Minute, log)
	return NewEngine(db, cache, log, metrics.MustNewMetrics(prometheus.NewRegistry()), time.Minute), probe
}

func s1c1() Request {
	return Request{
		StudentID: "S1",
		CourseID:  "C1",
		PaymentID: "pay-1",
		Tier:      model.Tier30,
		Metadata:  json.RawMessage(`{"purchaseTier":30}`),
	}
}

func createAndCommit(ctx context.Context, e *Engine, req Request) (Result, error) {
	res, tx, err := e.Create(ctx, req)
	if err != nil {
		if tx != nil {
			_ = tx.Rollback()
		}
		return Result{}, err
	}
	return res, tx.Commit()
}

func runConcurrent(t *testing.T, e *Engine, n int) []Result {
	t.Helper()
	results := make([]Result, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = createAndCommit(context.Background(), e, s1c1())
		}(i)
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func assertSingleWinner(t *testing.T, results []Result) {
	t.Helper()
	created := 0
	for _, r := range results {
		assert.Equal(t, results[0].PurchaseID, r.PurchaseID)
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestEngine_ConcurrentCreateWithoutIndex(t *testing.T) {
	db := newFakeDB(false)
	e, _ := newTestEngine(t, db, false)

	results := runConcurrent(t, e, 16)

	assertSingleWinner(t, results)
	assert.Equal(t, 1, db.activeCount("S1", "C1"))
	for _, r := range results {
		assert.Equal(t, PathAdvisoryLock, r.Path)
	}
}

func TestEngine_ConcurrentCreateWithIndex(t *testing.T) {
	db := newFakeDB(true)
	e, _ := newTestEngine(t, db, true)

	results := runConcurrent(t, e, 16)

	assertSingleWinner(t, results)
	assert.Equal(t, 1, db.activeCount("S1", "C1"))
	for _, r := range results {
		assert.Equal(t, PathOnConflict, r.Path)
		assert.False(t, r.FellBack)
	}
}

func TestEngine_TwoCallersSameMillisecond(t *testing.T) {
	db := newFakeDB(false)
	e, _ := newTestEngine(t, db, false)

	results := runConcurrent(t, e, 2)

	assert.Equal(t, results[0].PurchaseID, results[1].PurchaseID)
	assert.Equal(t, 1, db.activeCount("S1", "C1"))
}

func TestEngine_ExistingPurchaseIsReturned(t *testing.T) {
	for _, index := range []bool{true, false} {
		db := newFakeDB(index)
		e, _ := newTestEngine(t, db, index)
		ctx := context.Background()

		first, err := createAndCommit(ctx, e, s1c1())
		require.NoError(t, err)
		second, err := createAndCommit(ctx, e, s1c1())
		require.NoError(t, err)

		assert.True(t, first.Created)
		assert.False(t, second.Created)
		assert.Equal(t, first.PurchaseID, second.PurchaseID)
		assert.Equal(t, 1, db.activeCount("S1", "C1"))
	}
}

func TestEngine_InactiveRowsDoNotBlockCreation(t *testing.T) {
	db := newFakeDB(true)
	db.committed = append(db.committed, &model.Purchase{ID: "old", StudentID: "S1", CourseID: "C1", IsActive: false})
	e, _ := newTestEngine(t, db, true)

	res, err := createAndCommit(context.Background(), e, s1c1())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, "old", res.PurchaseID)
}

func TestEngine_StaleIndexCacheUsesFreshConnection(t *testing.T) {
	// the probe claims the index exists but the table has no such constraint
	db := newFakeDB(false)
	e, _ := newTestEngine(t, db, true)
	ctx := context.Background()

	res, tx, err := e.Create(ctx, s1c1())
	require.NoError(t, err)
	require.Equal(t, 2, db.begins())

	poisoned, fresh := db.txs[0], db.txs[1]
	assert.Same(t, fresh, tx.(*fakeTx))
	assert.Equal(t, 1, poisoned.rollbacks)
	assert.Zero(t, poisoned.callsAfterPoison)
	assert.Zero(t, poisoned.commits)

	assert.True(t, res.Created)
	assert.True(t, res.FellBack)
	assert.Equal(t, PathAdvisoryLock, res.Path)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, db.activeCount("S1", "C1"))

	// the cache now knows the index is absent: one connection, no fallback
	res, tx, err = e.Create(ctx, s1c1())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 3, db.begins())
	assert.False(t, res.FellBack)
	assert.False(t, res.Created)
}

func TestEngine_AbortedTransactionRecovers(t *testing.T) {
	db := newFakeDB(true)
	db.abortNextConflictInserts = 1
	e, probe := newTestEngine(t, db, true)
	ctx := context.Background()

	res, tx, err := e.Create(ctx, s1c1())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.True(t, res.FellBack)
	assert.Equal(t, 2, db.begins())
	assert.Equal(t, 1, db.txs[0].rollbacks)
	assert.Zero(t, db.txs[0].callsAfterPoison)
	assert.Equal(t, 1, db.activeCount("S1", "C1"))

	// abort only invalidates: the next call re-probes and is back on the index path
	res, tx, err = e.Create(ctx, s1c1())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, int32(2), probe.calls.Load())
	assert.Equal(t, PathOnConflict, res.Path)
}

func TestEngine_FallbackBeginFailurePropagates(t *testing.T) {
	db := newFakeDB(false)
	boom := errors.New("pool exhausted")
	db.beginErrs = []error{nil, boom}
	e, _ := newTestEngine(t, db, true)

	_, tx, err := e.Create(context.Background(), s1c1())

	assert.ErrorIs(t, err, boom)
	assert.Nil(t, tx)
	assert.Equal(t, 1, db.txs[0].rollbacks)
	assert.Zero(t, db.txs[0].callsAfterPoison)
	assert.Zero(t, db.activeCount("S1", "C1"))
}

func TestEngine_UniqueViolationUnderLockReadsWinner(t *testing.T) {
	// the cache says absent, the index exists, and a concurrent on-conflict insert commits first
	db := newFakeDB(true)
	db.beforePlainInsert = func(db *fakeDB) {
		db.committed = append(db.committed, &model.Purchase{ID: "winner", StudentID: "S1", CourseID: "C1", IsActive: true})
	}
	e, _ := newTestEngine(t, db, false)

	res, tx, err := e.Create(context.Background(), s1c1())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, "winner", res.PurchaseID)
	assert.False(t, res.Created)
	assert.Equal(t, 2, db.begins())
	assert.Equal(t, 1, db.txs[0].rollbacks)
	assert.Zero(t, db.txs[0].callsAfterPoison)
	assert.Equal(t, 1, db.activeCount("S1", "C1"))
}

func TestEngine_ProbeErrorUsesLockPath(t *testing.T) {
	db := newFakeDB(true)
	e, probe := newTestEngine(t, db, true)
	probe.err = errors.New("catalog query failed")

	res, err := createAndCommit(context.Background(), e, s1c1())
	require.NoError(t, err)
	assert.Equal(t, PathAdvisoryLock, res.Path)
	assert.True(t, res.Created)
}

func TestEngine_InvalidRequestTouchesNoConnection(t *testing.T) {
	db := newFakeDB(true)
	e, _ := newTestEngine(t, db, true)

	req := s1c1()
	req.Tier = 45
	_, tx, err := e.Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Nil(t, tx)

	req = s1c1()
	req.CourseID = ""
	_, _, err = e.Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, db.begins())
}

func TestEngine_UnrecognizedErrorReturnsLiveTx(t *testing.T) {
	db := newFakeDB(true)
	boom := errors.New("connection reset by peer")
	db.conflictInsertErr = boom
	e, _ := newTestEngine(t, db, true)

	_, tx, err := e.Create(context.Background(), s1c1())

	assert.ErrorIs(t, err, boom)
	require.NotNil(t, tx)
	assert.Equal(t, 1, db.begins(), "no fallback for ordinary errors")
	assert.Zero(t, db.txs[0].rollbacks, "the caller owns the rollback")
	require.NoError(t, tx.Rollback())
	assert.Zero(t, db.activeCount("S1", "C1"))
}

var _ repo.Tx = (*fakeTx)(nil)
