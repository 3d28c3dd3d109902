package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pixelcollab/canvas-backend/internal/types"
)

// The collaborator adapters below read (and, for quota/stats, write) tables
// owned by excluded services: frame management, permission management, the
// user service, and the stats aggregator. In a single-binary deployment they
// share the gorm handle with the store.

// FrameReader resolves frame metadata. Missing frames come back as nil with
// no error; only infrastructure failures produce one.
type FrameReader struct {
	db *gorm.DB
}

func NewFrameReader(db *gorm.DB) *FrameReader { return &FrameReader{db: db} }

func (r *FrameReader) FrameByID(ctx context.Context, id string) (*types.Frame, error) {
	var row FrameRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("frame read", err)
	}
	return &types.Frame{
		ID:          row.ID,
		Width:       row.Width,
		Height:      row.Height,
		OwnerHandle: row.OwnerHandle,
		Policy:      types.Policy(row.Permissions),
		Frozen:      row.IsFrozen,
	}, nil
}

// OverrideReader fetches the single (frame, user) override row, nil when
// none is recorded.
type OverrideReader struct {
	db *gorm.DB
}

func NewOverrideReader(db *gorm.DB) *OverrideReader { return &OverrideReader{db: db} }

func (r *OverrideReader) OverrideFor(ctx context.Context, frameID, user string) (*types.Override, error) {
	var row OverrideRow
	err := r.db.WithContext(ctx).
		Where("frame_id = ? AND user_handle = ?", frameID, user).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("override read", err)
	}
	return &types.Override{
		FrameID:    row.FrameID,
		UserHandle: row.UserHandle,
		Type:       types.OverrideType(row.Type),
		GrantedBy:  row.GrantedBy,
	}, nil
}

// QuotaRecords is the user-service quota provider backing quota.Records.
type QuotaRecords struct {
	db *gorm.DB
}

func NewQuotaRecords(db *gorm.DB) *QuotaRecords { return &QuotaRecords{db: db} }

func (r *QuotaRecords) Quota(ctx context.Context, user string) (*types.QuotaRecord, error) {
	var row UserQuotaRow
	err := r.db.WithContext(ctx).Where("user_handle = ?", user).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("quota read", err)
	}
	return &types.QuotaRecord{
		UserHandle:      row.UserHandle,
		PixelsAvailable: row.PixelsAvailable,
		LastRefill:      row.LastRefill,
	}, nil
}

func (r *QuotaRecords) SaveQuota(ctx context.Context, rec types.QuotaRecord) error {
	row := UserQuotaRow{
		UserHandle:      rec.UserHandle,
		PixelsAvailable: rec.PixelsAvailable,
		LastRefill:      rec.LastRefill,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_handle"}},
		DoUpdates: clause.AssignmentColumns([]string{"pixels_available", "last_refill"}),
	}).Create(&row).Error
	if err != nil {
		return storageErr("quota save", err)
	}
	return nil
}

// Stats feeds the aggregator's counter row. Failures are logged and dropped:
// counters must never block or fail a placement.
type Stats struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewStats(db *gorm.DB, log *zap.Logger) *Stats { return &Stats{db: db, log: log} }

func (s *Stats) PlacementAdded(ctx context.Context, frameID, contributor string) {
	s.bump(ctx, frameID, +1)
}

func (s *Stats) PlacementRemoved(ctx context.Context, frameID, contributor string) {
	s.bump(ctx, frameID, -1)
}

func (s *Stats) bump(ctx context.Context, frameID string, delta int64) {
	row := FrameStatsRow{FrameID: frameID, PixelCount: max(delta, 0), LastActivity: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "frame_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"pixel_count":   gorm.Expr("frame_stats.pixel_count + ?", delta),
			"last_activity": row.LastActivity,
		}),
	}).Create(&row).Error
	if err != nil {
		s.log.Warn("frame stats update failed",
			zap.String("frame", frameID), zap.Int64("delta", delta), zap.Error(err))
	}
}
