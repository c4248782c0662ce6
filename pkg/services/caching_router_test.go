package services

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/quarry/pkg/cache"
	"github.com/TFMV/quarry/pkg/models"
)

func newDiskCache(t *testing.T) *cache.DiskCache {
	t.Helper()
	d, err := cache.OpenDisk(cache.DiskConfig{Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func salesRequest() *models.ExecutionRequest {
	return &models.ExecutionRequest{
		SourceID: "sales-db",
		Question: "What were total sales in November?",
		Plan: &models.AggregationPlan{
			Table:               "sales",
			Filters:             []models.Filter{where("month", "=", "November")},
			AggregationFunction: "sum",
			AggregationColumn:   "amount",
		},
	}
}

func sumResult(v float64) *models.ResultSet {
	rs := models.NewResultSet(models.QueryTypeAggregationOnSubset)
	rs.Columns = []string{"sum_amount"}
	rs.Rows = []models.Row{{"sum_amount": v}}
	return rs
}

func TestCachingRouter_MemoryHit(t *testing.T) {
	ctx := context.Background()
	next := &MockExecutor{}
	next.On("Execute", ctx, mock.Anything).Return(sumResult(300), nil).Once()

	c := NewCachingRouter(next, cache.New(nil), nil, nil)

	first, err := c.ExecuteRequest(ctx, salesRequest())
	require.NoError(t, err)
	assert.False(t, first.Metadata.FromCache)

	req := salesRequest()
	req.Question = "  what were total sales in november  "
	second, err := c.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.FromCache)
	assert.Equal(t, float64(300), second.Rows[0]["sum_amount"])
	assert.NotEmpty(t, req.RequestID)

	next.AssertNumberOfCalls(t, "Execute", 1)
}

func TestCachingRouter_DiskHitIsPromoted(t *testing.T) {
	ctx := context.Background()
	memory := cache.New(nil)
	disk := newDiskCache(t)

	req := salesRequest()
	key := cache.RequestKey(req)
	require.NoError(t, disk.Set(ctx, key, req.SourceID, sumResult(42)))

	next := &MockExecutor{}
	c := NewCachingRouter(next, memory, disk, nil)

	rs, err := c.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	assert.True(t, rs.Metadata.FromCache)
	assert.Equal(t, float64(42), rs.Rows[0]["sum_amount"])

	_, ok := memory.Peek(key)
	assert.True(t, ok)
	next.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestCachingRouter_FailuresAreNotCached(t *testing.T) {
	ctx := context.Background()

	failed := models.NewResultSet(models.QueryTypeTrend)
	failed.Metadata.Analysis = &models.Analysis{Error: "the total is zero"}

	next := &MockExecutor{}
	next.On("Execute", ctx, mock.Anything).Return(failed, nil)

	memory := cache.New(nil)
	disk := newDiskCache(t)
	c := NewCachingRouter(next, memory, disk, nil)

	for i := 0; i < 2; i++ {
		rs, err := c.ExecuteRequest(ctx, salesRequest())
		require.NoError(t, err)
		assert.False(t, rs.Metadata.FromCache)
	}
	next.AssertNumberOfCalls(t, "Execute", 2)
	assert.Zero(t, memory.Len())

	n, err := disk.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCachingRouter_ErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	next := &MockExecutor{}
	next.On("Execute", ctx, mock.Anything).Return(nil, assert.AnError)

	c := NewCachingRouter(next, cache.New(nil), nil, nil)
	_, err := c.ExecuteRequest(ctx, salesRequest())
	assert.ErrorIs(t, err, assert.AnError)

	_, err = c.ExecuteRequest(ctx, &models.ExecutionRequest{})
	assert.Error(t, err)
}

func TestCachingRouter_Invalidate(t *testing.T) {
	ctx := context.Background()
	next := &MockExecutor{}
	next.On("Execute", ctx, mock.Anything).Return(sumResult(1), nil)

	memory := cache.New(nil)
	disk := newDiskCache(t)
	c := NewCachingRouter(next, memory, disk, nil)

	other := salesRequest()
	other.SourceID = "crm-db"
	_, err := c.ExecuteRequest(ctx, salesRequest())
	require.NoError(t, err)
	_, err = c.ExecuteRequest(ctx, other)
	require.NoError(t, err)

	removed, err := c.Invalidate(ctx, "sales-db")
	require.NoError(t, err)
	// memory drops both entries, disk only the matching one
	assert.Equal(t, 3, removed)

	n, err := disk.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rs, err := c.ExecuteRequest(ctx, other)
	require.NoError(t, err)
	assert.True(t, rs.Metadata.FromCache)
	next.AssertNumberOfCalls(t, "Execute", 2)
}

func TestCachingRouter_EndToEnd(t *testing.T) {
	ctx := context.Background()
	c := NewCachingRouter(NewStorageRouter(newSalesStore(t), nil, nil), cache.New(nil), newDiskCache(t), nil)

	req := &models.ExecutionRequest{
		SourceID: "sales",
		Question: "How did sales trend?",
		Plan: &models.TrendPlan{
			Table:               "sales",
			AggregationFunction: "sum",
			AggregationColumn:   "amount",
			TimeColumn:          "period",
		},
	}

	first, err := c.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.FromCache)

	second, err := c.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.FromCache)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, first.Metadata.Analysis.Trend.Direction, second.Metadata.Analysis.Trend.Direction)
}

func TestCachingRouter_BarePlansAreCachedApart(t *testing.T) {
	ctx := context.Background()
	lookup := &models.SimplePlan{Table: "sales"}
	total := &models.AggregationPlan{Table: "sales", AggregationFunction: "sum", AggregationColumn: "amount"}

	rows := models.NewResultSet(models.QueryTypeSimple)
	rows.Columns = []string{"month", "amount"}
	rows.Rows = []models.Row{{"month": "Nov", "amount": float64(1)}}

	next := &MockExecutor{}
	next.On("Execute", ctx, lookup).Return(rows, nil).Once()
	next.On("Execute", ctx, total).Return(sumResult(300), nil).Once()

	c := NewCachingRouter(next, cache.New(nil), newDiskCache(t), nil)

	first, err := c.Execute(ctx, lookup)
	require.NoError(t, err)
	assert.Equal(t, models.QueryTypeSimple, first.Metadata.QueryType)

	second, err := c.Execute(ctx, total)
	require.NoError(t, err)
	assert.False(t, second.Metadata.FromCache)
	assert.Equal(t, models.QueryTypeAggregationOnSubset, second.Metadata.QueryType)
	assert.Equal(t, float64(300), second.Rows[0]["sum_amount"])

	again, err := c.Execute(ctx, lookup)
	require.NoError(t, err)
	assert.True(t, again.Metadata.FromCache)
	assert.Equal(t, models.QueryTypeSimple, again.Metadata.QueryType)

	next.AssertNumberOfCalls(t, "Execute", 2)
}

func TestCachingRouter_PromotionKeepsCreationTime(t *testing.T) {
	ctx := context.Background()
	memory := cache.New(nil)
	disk := newDiskCache(t)

	req := salesRequest()
	key := cache.RequestKey(req)
	require.NoError(t, disk.Set(ctx, key, req.SourceID, sumResult(42)))
	stored, ok, err := disk.GetEntry(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	c := NewCachingRouter(&MockExecutor{}, memory, disk, nil)
	_, err = c.ExecuteRequest(ctx, req)
	require.NoError(t, err)

	promoted, ok := memory.Peek(key)
	require.True(t, ok)
	assert.True(t, promoted.CreatedAt.Equal(stored.CreatedAt),
		"promoted %v, stored %v", promoted.CreatedAt, stored.CreatedAt)
}
