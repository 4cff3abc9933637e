package rangetable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/AfshinJalili/withdrawal-ranges/libs/logging"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func rec(min, max, value string) Record {
	return Record{MinAmount: d(min), MaxAmount: d(max), Value: d(value)}
}

type recordingNotifier struct {
	changes []Change
	err     error
}

func (n *recordingNotifier) RangeChanged(_ context.Context, change Change) error {
	n.changes = append(n.changes, change)
	return n.err
}

type stubCache struct {
	records     []Record
	refreshErr  error
	refreshes   int
	invalidated int
}

func (c *stubCache) Lookup(amount decimal.Decimal) (*Record, bool) {
	for _, r := range c.records {
		if r.Contains(amount) {
			out := r
			return &out, true
		}
	}
	return nil, false
}

func (c *stubCache) Refresh(ctx context.Context, src Lister) error {
	c.refreshes++
	if c.refreshErr != nil {
		return c.refreshErr
	}
	rows, err := src.ListAll(ctx)
	if err != nil {
		return err
	}
	c.records = rows
	return nil
}

func (c *stubCache) Invalidate() {
	c.invalidated++
	c.records = nil
}

func (c *stubCache) Size() int { return len(c.records) }

func newTestEngine(t *testing.T, def Definition) (*Engine, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewEngine(def, repo, nil, nil, logging.Discard(), nil), repo
}

func TestCreateAssignsID(t *testing.T) {
	engine, repo := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	created, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.True(t, created.MinAmount.Equal(d("0")))
	require.True(t, created.MaxAmount.Equal(d("100")))
	require.True(t, created.Value.Equal(d("1.5")))

	stored, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, stored.Value.Equal(d("1.5")))
}

func TestCreateRejectsTouchingBounds(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)

	_, err = engine.Create(ctx, d("100"), d("200"), d("2"))
	require.ErrorIs(t, err, ErrOverlap)

	_, err = engine.Create(ctx, d("101"), d("200"), d("2"))
	require.NoError(t, err)
}

func TestCreateRejectsMalformedRange(t *testing.T) {
	engine, _ := newTestEngine(t, RateRanges)
	ctx := context.Background()

	cases := []struct {
		name            string
		min, max, value string
	}{
		{"negative min", "-1", "10", "1"},
		{"max equals min", "10", "10", "1"},
		{"max below min", "10", "5", "1"},
		{"zero value", "0", "10", "0"},
		{"negative value", "0", "10", "-0.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Create(ctx, d(tc.min), d(tc.max), d(tc.value))
			require.ErrorIs(t, err, ErrInvalidRange)
		})
	}

	all, err := engine.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestLookupFollowsInclusiveBounds(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)
	_, err = engine.Create(ctx, d("101"), d("200"), d("2.0"))
	require.NoError(t, err)

	for amount, want := range map[string]string{"50": "1.5", "100": "1.5", "150": "2.0", "200": "2.0"} {
		got, err := engine.Lookup(ctx, d(amount))
		require.NoError(t, err, amount)
		require.True(t, got.Value.Equal(d(want)), "amount %s got %s", amount, got.Value)
	}

	_, err = engine.Lookup(ctx, d("300"))
	require.ErrorIs(t, err, ErrNoMatch)
	_, err = engine.Lookup(ctx, d("100.5"))
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestLookupRejectsNonPositiveAmount(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)

	_, err := engine.Lookup(context.Background(), d("0"))
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = engine.Lookup(context.Background(), d("-5"))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateValueOnlyKeepsBounds(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	created, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)

	updated, err := engine.Update(ctx, created.ID, Patch{Value: dp("3")})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)
	require.True(t, updated.MinAmount.Equal(d("0")))
	require.True(t, updated.MaxAmount.Equal(d("100")))
	require.True(t, updated.Value.Equal(d("3")))
}

func TestUpdateErrors(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	first, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)
	_, err = engine.Create(ctx, d("200"), d("300"), d("2"))
	require.NoError(t, err)

	_, err = engine.Update(ctx, first.ID, Patch{})
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = engine.Update(ctx, 999, Patch{Value: dp("1")})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = engine.Update(ctx, first.ID, Patch{MaxAmount: dp("200")})
	require.ErrorIs(t, err, ErrOverlap)

	_, err = engine.Update(ctx, first.ID, Patch{MinAmount: dp("150")})
	require.ErrorIs(t, err, ErrInvalidRange)

	got, err := engine.Lookup(ctx, d("50"))
	require.NoError(t, err)
	require.True(t, got.MaxAmount.Equal(d("100")))
}

func TestUpdateEmptyPatchCheckedBeforeExistence(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)

	_, err := engine.Update(context.Background(), 42, Patch{})
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestDelete(t *testing.T) {
	engine, repo := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	require.ErrorIs(t, engine.Delete(ctx, 12345), ErrNotFound)

	created, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)
	require.NoError(t, engine.Delete(ctx, created.ID))

	found, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestBulkReplaceFailureLeavesTableUnchanged(t *testing.T) {
	engine, _ := newTestEngine(t, RateRanges)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("10"), d("1"))
	require.NoError(t, err)
	before, err := engine.ListAll(ctx)
	require.NoError(t, err)

	_, err = engine.BulkReplace(ctx, []Record{rec("0", "50", "1"), rec("40", "80", "2")})
	require.ErrorIs(t, err, ErrBatchOverlap)
	var overlap *BatchOverlapError
	require.ErrorAs(t, err, &overlap)
	require.Equal(t, 0, overlap.FirstRow)
	require.Equal(t, 1, overlap.SecondRow)

	_, err = engine.BulkReplace(ctx, []Record{rec("0", "50", "1"), rec("60", "55", "2")})
	require.ErrorIs(t, err, ErrInvalidRange)
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	require.Equal(t, 1, rowErr.Row)

	after, err := engine.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestBulkReplaceReportsNonAdjacentRows(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)

	_, err := engine.BulkReplace(context.Background(), []Record{
		rec("500", "600", "1"),
		rec("0", "10", "1"),
		rec("550", "700", "1"),
	})
	var overlap *BatchOverlapError
	require.ErrorAs(t, err, &overlap)
	require.Equal(t, 0, overlap.FirstRow)
	require.Equal(t, 2, overlap.SecondRow)
}

func TestBulkReplaceStoresExactlyTheBatch(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("1000"), d("9"))
	require.NoError(t, err)

	n, err := engine.BulkReplace(ctx, []Record{rec("201", "300", "3"), rec("0", "100", "1"), rec("101", "200", "2")})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	all, err := engine.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, want := range []string{"0", "101", "201"} {
		require.True(t, all[i].MinAmount.Equal(d(want)), "row %d min %s", i, all[i].MinAmount)
	}

	again, err := engine.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, all, again)
}

func TestBulkReplaceEmptyBatchClearsTable(t *testing.T) {
	engine, _ := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("100"), d("1"))
	require.NoError(t, err)

	n, err := engine.BulkReplace(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	all, err := engine.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestWritesRefreshCacheAndNotify(t *testing.T) {
	repo := NewMemoryRepository()
	cache := &stubCache{}
	notifier := &recordingNotifier{err: errors.New("broker down")}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	engine := NewEngine(FeeRanges, repo, cache, notifier, logging.Discard(), metrics)
	ctx := context.Background()

	created, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err, "notification failures must not fail the write")
	require.Equal(t, 1, cache.refreshes)
	require.Len(t, notifier.changes, 1)
	require.Equal(t, Change{Table: "fee", Action: ActionCreated, RangeID: created.ID, Count: 1}, notifier.changes[0])

	_, err = engine.Lookup(ctx, d("10"))
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Lookups.WithLabelValues("fee", "cache")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheSize.WithLabelValues("fee")))

	_, err = engine.BulkReplace(ctx, []Record{rec("0", "10", "1"), rec("11", "20", "2")})
	require.NoError(t, err)
	require.Equal(t, ActionReplaced, notifier.changes[1].Action)
	require.Equal(t, 2, notifier.changes[1].Count)
	require.Equal(t, 2, cache.Size())

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Operations.WithLabelValues("fee", "create", "ok")))
}

func TestFailedCacheRefreshInvalidates(t *testing.T) {
	repo := NewMemoryRepository()
	cache := &stubCache{refreshErr: errors.New("inconsistent")}
	engine := NewEngine(FeeRanges, repo, cache, nil, logging.Discard(), nil)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("100"), d("1.5"))
	require.NoError(t, err)
	require.Equal(t, 1, cache.invalidated)

	got, err := engine.Lookup(ctx, d("50"))
	require.NoError(t, err)
	require.True(t, got.Value.Equal(d("1.5")))
}

type failingRepository struct {
	*MemoryRepository
	err error
}

func (f *failingRepository) ListAll(context.Context) ([]Record, error) {
	return nil, f.err
}

func (f *failingRepository) FindContaining(context.Context, decimal.Decimal) (*Record, error) {
	return nil, f.err
}

func (f *failingRepository) Atomically(context.Context, func(context.Context, Repository) error) error {
	return f.err
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	repo := &failingRepository{MemoryRepository: NewMemoryRepository(), err: errors.New("connection reset")}
	engine := NewEngine(FeeRanges, repo, nil, nil, logging.Discard(), nil)
	ctx := context.Background()

	_, err := engine.Create(ctx, d("0"), d("1"), d("1"))
	require.ErrorIs(t, err, ErrStorage)
	_, err = engine.ListAll(ctx)
	require.ErrorIs(t, err, ErrStorage)
	_, err = engine.Lookup(ctx, d("1"))
	require.ErrorIs(t, err, ErrStorage)
	_, err = engine.BulkReplace(ctx, []Record{rec("0", "1", "1")})
	require.ErrorIs(t, err, ErrStorage)
}

func TestStorageOverlapIsNotWrapped(t *testing.T) {
	repo := &failingRepository{MemoryRepository: NewMemoryRepository(), err: ErrOverlap}
	engine := NewEngine(FeeRanges, repo, nil, nil, logging.Discard(), nil)

	_, err := engine.Create(context.Background(), d("0"), d("1"), d("1"))
	require.ErrorIs(t, err, ErrOverlap)
	require.NotErrorIs(t, err, ErrStorage)
}

// stallingRepository holds the first ListAll snapshot until released.
type stallingRepository struct {
	*MemoryRepository
	once    sync.Once
	taken   chan struct{}
	release chan struct{}
}

func (s *stallingRepository) ListAll(ctx context.Context) ([]Record, error) {
	rows, err := s.MemoryRepository.ListAll(ctx)
	stall := false
	s.once.Do(func() { stall = true })
	if stall {
		close(s.taken)
		<-s.release
	}
	return rows, err
}

func TestConcurrentRefreshesKeepLatestSnapshot(t *testing.T) {
	repo := &stallingRepository{
		MemoryRepository: NewMemoryRepository(),
		taken:            make(chan struct{}),
		release:          make(chan struct{}),
	}
	cache := &stubCache{}
	engine := NewEngine(FeeRanges, repo, cache, nil, logging.Discard(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var created Record
	var createErr, deleteErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		created, createErr = engine.Create(ctx, d("0"), d("100"), d("1"))
	}()
	<-repo.taken

	// The row is committed; only the create's cache reload is stalled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		deleteErr = engine.Delete(ctx, 1)
	}()
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	require.NoError(t, createErr)
	require.NoError(t, deleteErr)
	require.Equal(t, int64(1), created.ID)

	_, err := engine.Lookup(ctx, d("50"))
	require.ErrorIs(t, err, ErrNoMatch)
	require.Zero(t, cache.Size())
}

func TestConcurrentOverlappingCreatesAdmitOne(t *testing.T) {
	engine, repo := newTestEngine(t, FeeRanges)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var succeeded, overlapped atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			min := decimal.NewFromInt(int64(i))
			_, err := engine.Create(ctx, min, min.Add(d("100")), d("1"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrOverlap):
				overlapped.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, int32(workers-1), overlapped.Load())
	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
