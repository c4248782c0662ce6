package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/TFMV/quarry/pkg/cache"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/models"
)

// CachingRouter puts the result caches in front of an executor. Lookups try
// the memory tier, then the disk tier; disk hits are promoted to memory.
// Only successful results are stored. Either tier may be nil.
type CachingRouter struct {
	next   Executor
	memory MemoryCache
	disk   DiskCache
	logger Logger
}

// NewCachingRouter creates a caching front for next.
func NewCachingRouter(next Executor, memory MemoryCache, disk DiskCache, logger Logger) *CachingRouter {
	return &CachingRouter{
		next:   next,
		memory: memory,
		disk:   disk,
		logger: orNoopLogger(logger),
	}
}

// Execute implements Executor for a bare plan. Its key has no source or
// question, so it is derived from the plan alone.
func (c *CachingRouter) Execute(ctx context.Context, plan models.QueryPlan) (*models.ResultSet, error) {
	return c.ExecuteRequest(ctx, &models.ExecutionRequest{Plan: plan})
}

// ExecuteRequest implements RequestExecutor.
func (c *CachingRouter) ExecuteRequest(ctx context.Context, req *models.ExecutionRequest) (*models.ResultSet, error) {
	if req == nil || req.Plan == nil {
		return nil, errors.New(errors.CodePlanValidation, "no plan")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	key := cache.RequestKey(req)

	if rs, ok := c.lookup(ctx, req, key); ok {
		rs.Metadata.FromCache = true
		return rs, nil
	}

	rs, err := c.next.Execute(ctx, req.Plan)
	if err != nil {
		return nil, err
	}
	if cacheable(rs) {
		c.store(ctx, req, key, rs)
	}
	return rs, nil
}

func (c *CachingRouter) lookup(ctx context.Context, req *models.ExecutionRequest, key string) (*models.ResultSet, bool) {
	if c.memory != nil {
		if rs, ok := c.memory.Get(key); ok {
			c.logger.Debug("Memory cache hit", "request_id", req.RequestID, "key", key)
			return rs, true
		}
	}
	if c.disk == nil {
		return nil, false
	}

	entry, ok, err := c.disk.GetEntry(ctx, key)
	if err != nil {
		c.logger.Warn("Disk cache lookup failed", "request_id", req.RequestID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.logger.Debug("Disk cache hit", "request_id", req.RequestID, "key", key)
	if c.memory != nil {
		c.memory.SetEntry(key, entry)
	}
	return entry.Value, true
}

func (c *CachingRouter) store(ctx context.Context, req *models.ExecutionRequest, key string, rs *models.ResultSet) {
	if c.memory != nil {
		c.memory.Set(key, rs)
	}
	if c.disk != nil {
		if err := c.disk.Set(ctx, key, req.SourceID, rs); err != nil {
			c.logger.Warn("Disk cache write failed", "request_id", req.RequestID, "error", err)
		}
	}
}

// Invalidate drops cached results for sourceID from both tiers and returns
// the number of entries removed.
func (c *CachingRouter) Invalidate(ctx context.Context, sourceID string) (int, error) {
	removed := 0
	if c.memory != nil {
		removed += c.memory.InvalidateBySource(sourceID)
	}
	if c.disk != nil {
		n, err := c.disk.InvalidateBySource(ctx, sourceID)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	c.logger.Info("Invalidated cached results", "source_id", sourceID, "removed", removed)
	return removed, nil
}

// cacheable reports whether rs records a successful execution.
func cacheable(rs *models.ResultSet) bool {
	return rs != nil && !rs.Failed() && rs.Metadata.Error == ""
}

// Compile-time interface checks.
var (
	_ Executor        = (*StandardExecutor)(nil)
	_ Executor        = (*AdvancedExecutor)(nil)
	_ Executor        = (*MultiStepExecutor)(nil)
	_ Executor        = (*Router)(nil)
	_ Executor        = (*CachingRouter)(nil)
	_ RequestExecutor = (*CachingRouter)(nil)
	_ MemoryCache     = (*cache.ResultCache)(nil)
	_ DiskCache       = (*cache.DiskCache)(nil)
)
