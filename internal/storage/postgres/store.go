package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/storage"
)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	pool *Pool
}

// NewStore creates a store over an open pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// wrap maps driver errors onto storage sentinels.
func wrap(op string, err error) error {
	switch {
	case isConstraintError(err):
		return fmt.Errorf("%s: %w: %v", op, storage.ErrInvalidInput, err)
	case isConnError(err):
		return fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *Store) UpsertLiquidation(ctx context.Context, row *models.LiquidationRow) error {
	if err := row.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	query := `
		INSERT INTO liquidations (
			asset, ticker, type, amount, price, market_cap, intensity, change_24h, volume,
			total_liquidated, volume_spike, source, trades_count, exchange,
			open, high, low, close, detection_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $4, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18)
		ON CONFLICT (asset, type) DO UPDATE SET
			ticker           = EXCLUDED.ticker,
			amount           = EXCLUDED.amount,
			price            = EXCLUDED.price,
			market_cap       = EXCLUDED.market_cap,
			intensity        = EXCLUDED.intensity,
			change_24h       = EXCLUDED.change_24h,
			volume           = EXCLUDED.volume,
			volume_spike     = EXCLUDED.volume_spike,
			source           = EXCLUDED.source,
			trades_count     = EXCLUDED.trades_count,
			exchange         = EXCLUDED.exchange,
			open             = EXCLUDED.open,
			high             = EXCLUDED.high,
			low              = EXCLUDED.low,
			close            = EXCLUDED.close,
			total_liquidated = liquidations.total_liquidated + EXCLUDED.amount,
			detection_count  = liquidations.detection_count + 1,
			updated_at       = EXCLUDED.updated_at
	`
	var exchange *string
	if row.Exchange != "" {
		exchange = &row.Exchange
	}
	_, err := s.pool.Exec(ctx, query,
		row.Asset,
		row.Ticker,
		string(row.Type),
		row.Amount,
		row.Price,
		string(row.MarketCap),
		row.Intensity,
		row.Change24h,
		row.Volume,
		row.VolumeSpike,
		string(row.Source),
		row.TradesCount,
		exchange,
		row.Open,
		row.High,
		row.Low,
		row.Close,
		row.UpdatedAt,
	)
	if err != nil {
		return wrap("upsert liquidation", err)
	}
	return nil
}

func (s *Store) GetLiquidation(ctx context.Context, asset string, dir models.Direction) (*models.LiquidationRow, error) {
	query := `
		SELECT asset, ticker, type, amount, price, market_cap, intensity, change_24h, volume,
		       total_liquidated, volume_spike, source, trades_count, exchange,
		       open, high, low, close, detection_count, updated_at
		FROM liquidations
		WHERE asset = $1 AND type = $2
	`
	var (
		r              models.LiquidationRow
		typ, tier, src string
		exchange       *string
	)
	err := s.pool.QueryRow(ctx, query, asset, string(dir)).Scan(
		&r.Asset, &r.Ticker, &typ, &r.Amount, &r.Price, &tier, &r.Intensity, &r.Change24h,
		&r.Volume, &r.TotalLiquidated, &r.VolumeSpike, &src, &r.TradesCount, &exchange,
		&r.Open, &r.High, &r.Low, &r.Close, &r.DetectionCount, &r.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrap("get liquidation", err)
	}
	r.Type = models.Direction(typ)
	r.MarketCap = models.Tier(tier)
	r.Source = models.DetectionSource(src)
	if exchange != nil {
		r.Exchange = *exchange
	}
	return &r, nil
}

func (s *Store) UpsertTrend(ctx context.Context, row *models.TrendRow) error {
	if err := row.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	query := `
		INSERT INTO trends (
			asset, ticker, type, amount, price, anomaly_score, volume_spike, last_activity_hours,
			daily_volume_impact, change_24h, is_hidden, is_micro_cap, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (asset) DO UPDATE SET
			ticker              = EXCLUDED.ticker,
			type                = EXCLUDED.type,
			amount              = EXCLUDED.amount,
			price               = EXCLUDED.price,
			anomaly_score       = EXCLUDED.anomaly_score,
			volume_spike        = EXCLUDED.volume_spike,
			last_activity_hours = EXCLUDED.last_activity_hours,
			daily_volume_impact = EXCLUDED.daily_volume_impact,
			change_24h          = EXCLUDED.change_24h,
			is_hidden           = EXCLUDED.is_hidden,
			is_micro_cap        = EXCLUDED.is_micro_cap,
			updated_at          = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		row.Asset,
		row.Ticker,
		string(row.Type),
		row.Amount,
		row.Price,
		row.AnomalyScore,
		row.VolumeSpike,
		row.LastActivityHours,
		row.DailyVolumeImpact,
		row.Change24h,
		row.IsHidden,
		row.IsMicroCap,
		row.UpdatedAt,
	)
	if err != nil {
		return wrap("upsert trend", err)
	}
	return nil
}

func (s *Store) GetTrend(ctx context.Context, asset string) (*models.TrendRow, error) {
	query := `
		SELECT asset, ticker, type, amount, price, anomaly_score, volume_spike, last_activity_hours,
		       daily_volume_impact, change_24h, is_hidden, is_micro_cap, updated_at
		FROM trends
		WHERE asset = $1
	`
	var (
		r   models.TrendRow
		typ string
	)
	err := s.pool.QueryRow(ctx, query, asset).Scan(
		&r.Asset, &r.Ticker, &typ, &r.Amount, &r.Price, &r.AnomalyScore, &r.VolumeSpike,
		&r.LastActivityHours, &r.DailyVolumeImpact, &r.Change24h, &r.IsHidden, &r.IsMicroCap,
		&r.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrap("get trend", err)
	}
	r.Type = models.AnomalyType(typ)
	return &r, nil
}

// RefreshAssetStats recomputes one asset's statistics row. It runs as its own statement with no
// transaction shared with the event write that preceded it.
func (s *Store) RefreshAssetStats(ctx context.Context, asset string, now time.Time) error {
	query := `
		INSERT INTO asset_statistics (
			asset, total_liquidated, long_total, short_total, detection_count,
			avg_intensity, avg_volume_spike, last_activity, trending
		)
		SELECT $1,
			COALESCE((SELECT SUM(total_liquidated) FROM liquidations WHERE asset = $1), 0),
			COALESCE((SELECT SUM(total_liquidated) FROM liquidations WHERE asset = $1 AND type = 'long'), 0),
			COALESCE((SELECT SUM(total_liquidated) FROM liquidations WHERE asset = $1 AND type = 'short'), 0),
			COALESCE((SELECT SUM(detection_count) FROM liquidations WHERE asset = $1), 0),
			COALESCE((SELECT AVG(intensity) FROM liquidations WHERE asset = $1), 0),
			COALESCE((SELECT volume_spike FROM trends WHERE asset = $1), 0),
			GREATEST(
				COALESCE((SELECT MAX(updated_at) FROM liquidations WHERE asset = $1), 'epoch'::timestamptz),
				COALESCE((SELECT updated_at FROM trends WHERE asset = $1), 'epoch'::timestamptz)
			),
			COALESCE((SELECT anomaly_score >= $3 AND updated_at >= $2 FROM trends WHERE asset = $1), FALSE)
		WHERE EXISTS (SELECT 1 FROM liquidations WHERE asset = $1)
		   OR EXISTS (SELECT 1 FROM trends WHERE asset = $1)
		ON CONFLICT (asset) DO UPDATE SET
			total_liquidated = EXCLUDED.total_liquidated,
			long_total       = EXCLUDED.long_total,
			short_total      = EXCLUDED.short_total,
			detection_count  = EXCLUDED.detection_count,
			avg_intensity    = EXCLUDED.avg_intensity,
			avg_volume_spike = EXCLUDED.avg_volume_spike,
			last_activity    = EXCLUDED.last_activity,
			trending         = EXCLUDED.trending
	`
	tag, err := s.pool.Exec(ctx, query, asset, now.Add(-storage.TrendingWindow), storage.TrendingScore)
	if err != nil {
		return wrap("refresh asset stats", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.pool.Exec(ctx, `DELETE FROM asset_statistics WHERE asset = $1`, asset); err != nil {
			return wrap("drop empty asset stats", err)
		}
	}
	return nil
}

const statsCols = `asset, total_liquidated, long_total, short_total, detection_count,
	avg_intensity, avg_volume_spike, last_activity, trending`

func (s *Store) SearchAssetStats(ctx context.Context, query string, limit int) ([]models.AssetStats, error) {
	return s.queryStats(ctx, `SELECT `+statsCols+` FROM asset_statistics
		WHERE asset ILIKE $1 ORDER BY total_liquidated DESC, asset ASC LIMIT $2`,
		storage.SearchPattern(query), limit)
}

func (s *Store) TopAssetStats(ctx context.Context, limit int) ([]models.AssetStats, error) {
	return s.queryStats(ctx, `SELECT `+statsCols+` FROM asset_statistics
		ORDER BY total_liquidated DESC, asset ASC LIMIT $1`, limit)
}

func (s *Store) queryStats(ctx context.Context, query string, args ...any) ([]models.AssetStats, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("query asset stats", err)
	}
	defer rows.Close()

	stats := []models.AssetStats{}
	for rows.Next() {
		var (
			a     models.AssetStats
			count int64
		)
		if err := rows.Scan(&a.Asset, &a.TotalLiquidated, &a.LongTotal, &a.ShortTotal, &count,
			&a.AvgIntensity, &a.AvgVolumeSpike, &a.LastActivity, &a.Trending); err != nil {
			return nil, wrap("scan asset stats", err)
		}
		a.DetectionCount = int(count)
		stats = append(stats, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate asset stats", err)
	}
	return stats, nil
}

// PurgeBefore removes rows not updated since cutoff in one transaction.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM liquidations WHERE updated_at < $1`,
			`DELETE FROM trends WHERE updated_at < $1`,
			`DELETE FROM asset_statistics WHERE last_activity < $1`,
		} {
			tag, err := tx.Exec(ctx, stmt, cutoff)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, wrap("purge", err)
	}
	return total, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
