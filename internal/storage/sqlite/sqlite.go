// Package sqlite provides the local SQLite mirror store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/storage"
)

// Store wraps a SQLite database for all mirror operations.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/flowradar/mirror.db.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "flowradar", "mirror.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS liquidations (
			asset            TEXT NOT NULL,
			ticker           TEXT NOT NULL,
			type             TEXT NOT NULL CHECK (type IN ('long','short')),
			amount           REAL NOT NULL,
			price            REAL NOT NULL,
			market_cap       TEXT NOT NULL CHECK (market_cap IN ('high','low')),
			intensity        INTEGER NOT NULL CHECK (intensity BETWEEN 1 AND 5),
			change_24h       REAL NOT NULL DEFAULT 0,
			volume           REAL NOT NULL DEFAULT 0,
			total_liquidated REAL NOT NULL DEFAULT 0,
			volume_spike     REAL NOT NULL DEFAULT 0,
			source           TEXT NOT NULL,
			trades_count     INTEGER,
			exchange         TEXT,
			open             REAL,
			high             REAL,
			low              REAL,
			close            REAL,
			detection_count  INTEGER NOT NULL DEFAULT 1,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (asset, type)
		)`,
		`CREATE TABLE IF NOT EXISTS trends (
			asset               TEXT PRIMARY KEY,
			ticker              TEXT NOT NULL,
			type                TEXT NOT NULL,
			amount              REAL NOT NULL,
			price               REAL NOT NULL,
			anomaly_score       REAL NOT NULL CHECK (anomaly_score BETWEEN 0 AND 10),
			volume_spike        REAL NOT NULL DEFAULT 0,
			last_activity_hours REAL NOT NULL DEFAULT 0,
			daily_volume_impact REAL NOT NULL DEFAULT 0,
			change_24h          REAL NOT NULL DEFAULT 0,
			is_hidden           INTEGER NOT NULL DEFAULT 0,
			is_micro_cap        INTEGER NOT NULL DEFAULT 0,
			updated_at          INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS asset_statistics (
			asset            TEXT PRIMARY KEY,
			total_liquidated REAL NOT NULL DEFAULT 0,
			long_total       REAL NOT NULL DEFAULT 0,
			short_total      REAL NOT NULL DEFAULT 0,
			detection_count  INTEGER NOT NULL DEFAULT 0,
			avg_intensity    REAL NOT NULL DEFAULT 0,
			avg_volume_spike REAL NOT NULL DEFAULT 0,
			last_activity    INTEGER NOT NULL DEFAULT 0,
			trending         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_liquidations_updated_at ON liquidations(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trends_updated_at ON trends(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_asset_statistics_total ON asset_statistics(total_liquidated DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertLiquidation(ctx context.Context, row *models.LiquidationRow) error {
	if err := row.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liquidations
			(asset, ticker, type, amount, price, market_cap, intensity, change_24h, volume,
			 total_liquidated, volume_spike, source, trades_count, exchange,
			 open, high, low, close, detection_count, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?)
		ON CONFLICT(asset, type) DO UPDATE SET
			ticker           = excluded.ticker,
			amount           = excluded.amount,
			price            = excluded.price,
			market_cap       = excluded.market_cap,
			intensity        = excluded.intensity,
			change_24h       = excluded.change_24h,
			volume           = excluded.volume,
			volume_spike     = excluded.volume_spike,
			source           = excluded.source,
			trades_count     = excluded.trades_count,
			exchange         = excluded.exchange,
			open             = excluded.open,
			high             = excluded.high,
			low              = excluded.low,
			close            = excluded.close,
			total_liquidated = liquidations.total_liquidated + excluded.amount,
			detection_count  = liquidations.detection_count + 1,
			updated_at       = excluded.updated_at`,
		row.Asset, row.Ticker, string(row.Type), row.Amount, row.Price, string(row.MarketCap),
		row.Intensity, row.Change24h, row.Volume, row.Amount, row.VolumeSpike, string(row.Source),
		row.TradesCount, nullString(row.Exchange), row.Open, row.High, row.Low, row.Close,
		row.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert liquidation: %w", err)
	}
	return nil
}

func (s *Store) GetLiquidation(ctx context.Context, asset string, dir models.Direction) (*models.LiquidationRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset, ticker, type, amount, price, market_cap, intensity, change_24h, volume,
		       total_liquidated, volume_spike, source, trades_count, exchange,
		       open, high, low, close, detection_count, updated_at
		FROM liquidations WHERE asset = ? AND type = ?`, asset, string(dir))

	var (
		r         models.LiquidationRow
		typ, tier string
		src       string
		trades    sql.NullInt64
		exchange  sql.NullString
		o, h, l   sql.NullFloat64
		c         sql.NullFloat64
		updated   int64
	)
	err := row.Scan(&r.Asset, &r.Ticker, &typ, &r.Amount, &r.Price, &tier, &r.Intensity,
		&r.Change24h, &r.Volume, &r.TotalLiquidated, &r.VolumeSpike, &src, &trades, &exchange,
		&o, &h, &l, &c, &r.DetectionCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get liquidation: %w", err)
	}
	r.Type = models.Direction(typ)
	r.MarketCap = models.Tier(tier)
	r.Source = models.DetectionSource(src)
	if trades.Valid {
		r.TradesCount = models.Int(trades.Int64)
	}
	r.Exchange = exchange.String
	r.Open, r.High, r.Low, r.Close = nullFloat(o), nullFloat(h), nullFloat(l), nullFloat(c)
	r.UpdatedAt = time.Unix(0, updated)
	return &r, nil
}

func (s *Store) UpsertTrend(ctx context.Context, row *models.TrendRow) error {
	if err := row.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trends
			(asset, ticker, type, amount, price, anomaly_score, volume_spike, last_activity_hours,
			 daily_volume_impact, change_24h, is_hidden, is_micro_cap, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.Asset, row.Ticker, string(row.Type), row.Amount, row.Price, row.AnomalyScore,
		row.VolumeSpike, row.LastActivityHours, row.DailyVolumeImpact, row.Change24h,
		boolToInt(row.IsHidden), boolToInt(row.IsMicroCap), row.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trend: %w", err)
	}
	return nil
}

func (s *Store) GetTrend(ctx context.Context, asset string) (*models.TrendRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset, ticker, type, amount, price, anomaly_score, volume_spike, last_activity_hours,
		       daily_volume_impact, change_24h, is_hidden, is_micro_cap, updated_at
		FROM trends WHERE asset = ?`, asset)

	var (
		r             models.TrendRow
		typ           string
		hidden, micro int
		updated       int64
	)
	err := row.Scan(&r.Asset, &r.Ticker, &typ, &r.Amount, &r.Price, &r.AnomalyScore, &r.VolumeSpike,
		&r.LastActivityHours, &r.DailyVolumeImpact, &r.Change24h, &hidden, &micro, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trend: %w", err)
	}
	r.Type = models.AnomalyType(typ)
	r.IsHidden = hidden != 0
	r.IsMicroCap = micro != 0
	r.UpdatedAt = time.Unix(0, updated)
	return &r, nil
}

// RefreshAssetStats recomputes one asset's statistics from the liquidation and trend rows.
// Assets with no rows left are removed.
func (s *Store) RefreshAssetStats(ctx context.Context, asset string, now time.Time) error {
	trendingSince := now.Add(-storage.TrendingWindow).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_statistics
			(asset, total_liquidated, long_total, short_total, detection_count,
			 avg_intensity, avg_volume_spike, last_activity, trending)
		SELECT ?1,
			COALESCE((SELECT SUM(total_liquidated) FROM liquidations WHERE asset = ?1), 0),
			COALESCE((SELECT SUM(total_liquidated) FROM liquidations WHERE asset = ?1 AND type = 'long'), 0),
			COALESCE((SELECT SUM(total_liquidated) FROM liquidations WHERE asset = ?1 AND type = 'short'), 0),
			COALESCE((SELECT SUM(detection_count) FROM liquidations WHERE asset = ?1), 0),
			COALESCE((SELECT AVG(intensity) FROM liquidations WHERE asset = ?1), 0),
			COALESCE((SELECT volume_spike FROM trends WHERE asset = ?1), 0),
			MAX(COALESCE((SELECT MAX(updated_at) FROM liquidations WHERE asset = ?1), 0),
			    COALESCE((SELECT updated_at FROM trends WHERE asset = ?1), 0)),
			COALESCE((SELECT anomaly_score >= ?3 AND updated_at >= ?2 FROM trends WHERE asset = ?1), 0)
		WHERE EXISTS (SELECT 1 FROM liquidations WHERE asset = ?1)
		   OR EXISTS (SELECT 1 FROM trends WHERE asset = ?1)
		ON CONFLICT(asset) DO UPDATE SET
			total_liquidated = excluded.total_liquidated,
			long_total       = excluded.long_total,
			short_total      = excluded.short_total,
			detection_count  = excluded.detection_count,
			avg_intensity    = excluded.avg_intensity,
			avg_volume_spike = excluded.avg_volume_spike,
			last_activity    = excluded.last_activity,
			trending         = excluded.trending`,
		asset, trendingSince, storage.TrendingScore,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh asset stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM asset_statistics WHERE asset = ?`, asset); err != nil {
			return fmt.Errorf("failed to drop empty asset stats: %w", err)
		}
	}
	return nil
}

const statsCols = `asset, total_liquidated, long_total, short_total, detection_count,
	avg_intensity, avg_volume_spike, last_activity, trending`

func (s *Store) SearchAssetStats(ctx context.Context, query string, limit int) ([]models.AssetStats, error) {
	return s.queryStats(ctx, `SELECT `+statsCols+` FROM asset_statistics
		WHERE asset LIKE ? ORDER BY total_liquidated DESC, asset ASC LIMIT ?`,
		storage.SearchPattern(query), limit)
}

func (s *Store) TopAssetStats(ctx context.Context, limit int) ([]models.AssetStats, error) {
	return s.queryStats(ctx, `SELECT `+statsCols+` FROM asset_statistics
		ORDER BY total_liquidated DESC, asset ASC LIMIT ?`, limit)
}

func (s *Store) queryStats(ctx context.Context, query string, args ...any) ([]models.AssetStats, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset stats: %w", err)
	}
	defer rows.Close()

	stats := []models.AssetStats{}
	for rows.Next() {
		var (
			a        models.AssetStats
			last     int64
			trending int
		)
		if err := rows.Scan(&a.Asset, &a.TotalLiquidated, &a.LongTotal, &a.ShortTotal,
			&a.DetectionCount, &a.AvgIntensity, &a.AvgVolumeSpike, &last, &trending); err != nil {
			return nil, fmt.Errorf("failed to scan asset stats: %w", err)
		}
		a.LastActivity = time.Unix(0, last)
		a.Trending = trending != 0
		stats = append(stats, a)
	}
	return stats, rows.Err()
}

// PurgeBefore removes rows not updated since cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, stmt := range []string{
		`DELETE FROM liquidations WHERE updated_at < ?`,
		`DELETE FROM trends WHERE updated_at < ?`,
		`DELETE FROM asset_statistics WHERE last_activity < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, cutoff.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("failed to purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Float(v.Float64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
