package exchangelog

import (
	"context"
	"fmt"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/pkg/wsfetch"

	"gorm.io/gorm"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Service persists and queries bridged exchanges
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// FromReport converts a finished exchange into a storable record
func FromReport(report wsfetch.ExchangeReport, credentialHash string) models.ExchangeRecord {
	rec := models.ExchangeRecord{
		RequestID:      report.ID,
		CredentialHash: credentialHash,
		Model:          report.Model,
		Outcome:        report.Outcome,
		Generation:     report.Generation,
		Chunks:         report.Chunks,
		Bytes:          report.Bytes,
		DurationMs:     report.Duration.Milliseconds(),
		StartedAt:      report.StartedAt,
	}
	if report.Err != nil {
		rec.ErrorMessage = report.Err.Error()
	}
	return rec
}

func (s *Service) Record(ctx context.Context, rec models.ExchangeRecord) error {
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record exchange %s: %w", rec.RequestID, err)
	}
	return nil
}

// Recent returns the newest exchanges matching q
func (s *Service) Recent(ctx context.Context, q models.ExchangeQuery) ([]models.ExchangeRecord, error) {
	query := s.filtered(ctx, q).Order("started_at DESC")

	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query = query.Limit(min(limit, maxRecentLimit))
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}

	var records []models.ExchangeRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get exchanges: %w", err)
	}
	return records, nil
}

// Stats aggregates every exchange started at or after since; a zero since covers all
func (s *Service) Stats(ctx context.Context, since time.Time) (*models.ExchangeStats, error) {
	var stats models.ExchangeStats

	err := s.filtered(ctx, models.ExchangeQuery{Since: since}).
		Select(
			"COUNT(*) as total_exchanges",
			"COUNT(CASE WHEN outcome = 'completed' THEN 1 END) as completed",
			"COUNT(CASE WHEN outcome = 'errored' THEN 1 END) as errored",
			"COUNT(CASE WHEN outcome = 'aborted' THEN 1 END) as aborted",
			"COALESCE(SUM(chunks), 0) as total_chunks",
			"COALESCE(SUM(bytes), 0) as total_bytes",
			"COALESCE(AVG(duration_ms), 0) as avg_duration_ms",
		).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange stats: %w", err)
	}
	return &stats, nil
}

func (s *Service) filtered(ctx context.Context, q models.ExchangeQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.ExchangeRecord{})
	if q.Outcome != "" {
		query = query.Where("outcome = ?", q.Outcome)
	}
	if q.RequestID != "" {
		query = query.Where("request_id = ?", q.RequestID)
	}
	if !q.Since.IsZero() {
		query = query.Where("started_at >= ?", q.Since)
	}
	return query
}
