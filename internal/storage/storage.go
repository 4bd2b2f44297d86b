// Package storage defines the mirror store: a lossy, upsert-keyed copy of detected events used for
// cross-session statistics and search. The live session never depends on it.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/flowradar/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when a row fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable is returned when the store is unreachable or writes are being shed.
	ErrUnavailable = errors.New("store unavailable")
)

// TrendingWindow is how recent a strong trend row must be for its asset to count as trending.
const TrendingWindow = time.Hour

// TrendingScore is the minimum anomaly score for an asset to count as trending.
const TrendingScore = 5.0

// Store is implemented by the sqlite and postgres backends.
type Store interface {
	// UpsertLiquidation writes a liquidation keyed by (asset, type). On conflict the latest
	// fields replace the old ones, total_liquidated grows by Amount and detection_count by one.
	UpsertLiquidation(ctx context.Context, row *models.LiquidationRow) error
	// UpsertTrend writes the latest volume activity for an asset, replacing any previous row.
	UpsertTrend(ctx context.Context, row *models.TrendRow) error
	// RefreshAssetStats recomputes the derived statistics row for asset.
	RefreshAssetStats(ctx context.Context, asset string, now time.Time) error

	GetLiquidation(ctx context.Context, asset string, dir models.Direction) (*models.LiquidationRow, error)
	GetTrend(ctx context.Context, asset string) (*models.TrendRow, error)
	SearchAssetStats(ctx context.Context, query string, limit int) ([]models.AssetStats, error)
	TopAssetStats(ctx context.Context, limit int) ([]models.AssetStats, error)

	// PurgeBefore deletes rows last updated before cutoff and returns how many were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// SearchPattern turns free text into an upper-case prefix pattern, keeping only characters that
// can appear in an asset symbol.
func SearchPattern(query string) string {
	out := make([]byte, 0, len(query)+1)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		}
	}
	return string(out) + "%"
}
