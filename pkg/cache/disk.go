package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/models"
)

// DiskConfig configures the persistent cache tier.
type DiskConfig struct {
	// Path is the SQLite file. Empty or ":memory:" keeps the tier in memory.
	Path       string
	MaxEntries int
	TTL        time.Duration
	Metrics    metrics.Collector
}

const diskSchema = `
CREATE TABLE IF NOT EXISTS result_cache (
	key        TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	last_used  INTEGER NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_result_cache_source ON result_cache (source_id);
CREATE INDEX IF NOT EXISTS idx_result_cache_last_used ON result_cache (last_used);`

// DiskCache is a SQLite-backed result cache with zstd-compressed payloads.
// Unlike ResultCache it records the source of every entry, so it can
// invalidate one source selectively. Payloads round-trip through JSON:
// integers come back as float64 and times as strings.
type DiskCache struct {
	mu     sync.Mutex
	pool   pool.ConnectionPool
	db     *sql.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	cfg    DiskConfig
	stats  *StatsCollector
	logger zerolog.Logger
	now    func() time.Time
}

// OpenDisk opens or creates the cache database at cfg.Path.
func OpenDisk(cfg DiskConfig, logger zerolog.Logger) (*DiskCache, error) {
	defaults := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries * 10
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}

	p, err := pool.New(pool.Config{Driver: "sqlite", DSN: cfg.Path}, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionFailed, "failed to open disk cache")
	}
	db, err := p.Get(context.Background())
	if err != nil {
		p.Close()
		return nil, err
	}
	if _, err := db.Exec(diskSchema); err != nil {
		p.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create disk cache schema")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		p.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create zstd decoder")
	}

	c := &DiskCache{
		pool:   p,
		db:     db,
		enc:    enc,
		dec:    dec,
		cfg:    cfg,
		stats:  NewStatsCollector("disk", cfg.Metrics),
		logger: logger,
		now:    time.Now,
	}
	if n, err := c.Len(context.Background()); err == nil {
		c.stats.UpdateSize(int64(n))
	}
	return c, nil
}

// Get returns the cached result for key. Expired entries are deleted and
// reported as misses.
func (c *DiskCache) Get(ctx context.Context, key string) (*models.ResultSet, bool, error) {
	e, ok, err := c.GetEntry(ctx, key)
	return e.Value, ok, err
}

// GetEntry is Get with the entry's creation time and hit count.
func (c *DiskCache) GetEntry(ctx context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	var createdAt int64
	var hits int
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, created_at, hits FROM result_cache WHERE key = ?`, key).Scan(&payload, &createdAt, &hits)
	if err == sql.ErrNoRows {
		c.stats.RecordMiss()
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeInternal, "disk cache lookup failed")
	}

	now := c.now()
	if now.Sub(time.Unix(0, createdAt)) > c.cfg.TTL {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE key = ?`, key); err != nil {
			return Entry{}, false, errors.Wrap(err, errors.CodeInternal, "disk cache expiry failed")
		}
		c.stats.RecordExpiration()
		c.stats.RecordMiss()
		c.refreshSize(ctx)
		return Entry{}, false, nil
	}

	rs, err := c.decode(payload)
	if err != nil {
		// A corrupt payload is dropped rather than served.
		c.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable disk cache entry")
		_, _ = c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE key = ?`, key)
		c.stats.RecordMiss()
		c.refreshSize(ctx)
		return Entry{}, false, nil
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE result_cache SET last_used = ?, hits = hits + 1 WHERE key = ?`, now.UnixNano(), key); err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeInternal, "disk cache touch failed")
	}
	c.stats.RecordHit()
	return Entry{Value: rs, CreatedAt: time.Unix(0, createdAt), Hits: hits + 1}, true, nil
}

// Set stores rs under key for sourceID, evicting least recently used
// entries while the cache is at capacity.
func (c *DiskCache) Set(ctx context.Context, key, sourceID string, rs *models.ResultSet) error {
	if rs == nil {
		return nil
	}
	payload, err := c.encode(rs)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode cache entry")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to begin disk cache write")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM result_cache WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to replace disk cache entry")
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_cache`).Scan(&count); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to count disk cache entries")
	}
	if excess := count - c.cfg.MaxEntries + 1; excess > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM result_cache WHERE key IN (
			SELECT key FROM result_cache ORDER BY last_used ASC, created_at ASC LIMIT ?)`, excess)
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to evict disk cache entries")
		}
		if n, err := res.RowsAffected(); err == nil {
			for i := int64(0); i < n; i++ {
				c.stats.RecordEviction()
			}
		}
	}

	now := c.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO result_cache (key, source_id, payload, created_at, last_used, hits) VALUES (?, ?, ?, ?, ?, 0)`,
		key, sourceID, payload, now, now); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to insert disk cache entry")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to commit disk cache write")
	}
	c.refreshSize(ctx)
	return nil
}

// InvalidateBySource removes only the entries recorded for sourceID.
func (c *DiskCache) InvalidateBySource(ctx context.Context, sourceID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to invalidate disk cache")
	}
	n, _ := res.RowsAffected()
	c.refreshSize(ctx)
	return int(n), nil
}

// Clear removes every entry.
func (c *DiskCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM result_cache`); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to clear disk cache")
	}
	c.stats.UpdateSize(0)
	return nil
}

// Len returns the number of stored entries.
func (c *DiskCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_cache`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to count disk cache entries")
	}
	return n, nil
}

// Stats returns a snapshot of the cache statistics.
func (c *DiskCache) Stats() Stats {
	return c.stats.GetStats()
}

// Close releases the codec and the database.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enc.Close()
	c.dec.Close()
	return c.pool.Close()
}

func (c *DiskCache) refreshSize(ctx context.Context) {
	if n, err := c.Len(ctx); err == nil {
		c.stats.UpdateSize(int64(n))
	}
}

func (c *DiskCache) encode(rs *models.ResultSet) ([]byte, error) {
	raw, err := json.Marshal(rs)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *DiskCache) decode(payload []byte) (*models.ResultSet, error) {
	raw, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, err
	}
	var rs models.ResultSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, err
	}
	if rs.Columns == nil {
		rs.Columns = []string{}
	}
	if rs.Rows == nil {
		rs.Rows = []models.Row{}
	}
	return &rs, nil
}
