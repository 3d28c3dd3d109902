package store

import "time"

// Pixel is the live placement log: at most one row per (frame, x, y). A new
// placement at an occupied coordinate upserts the row; history is not kept,
// the snapshot chain bounds replay instead.
type Pixel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	FrameID     string    `gorm:"not null;uniqueIndex:idx_pixels_frame_xy,priority:1"`
	X           int       `gorm:"not null;uniqueIndex:idx_pixels_frame_xy,priority:2"`
	Y           int       `gorm:"not null;uniqueIndex:idx_pixels_frame_xy,priority:3"`
	Color       uint32    `gorm:"not null"`
	Contributor string    `gorm:"not null;index:idx_pixels_contributor"`
	PlacedAt    time.Time `gorm:"not null;index:idx_pixels_placed_at"`
}

func (Pixel) TableName() string { return "pixels" }

// Snapshot is a compacted full-grid encoding of a frame at CreatedAt.
type Snapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	FrameID    string    `gorm:"not null;index:idx_snapshots_frame"`
	Data       []byte    `gorm:"not null"`
	PixelCount int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index:idx_snapshots_created"`
}

func (Snapshot) TableName() string { return "snapshots" }

// FrameRow mirrors the frame-management service's table. This backend reads
// it and never writes it.
type FrameRow struct {
	ID          string `gorm:"primaryKey"`
	Width       int    `gorm:"not null"`
	Height      int    `gorm:"not null"`
	OwnerHandle string `gorm:"not null"`
	Permissions string `gorm:"not null"`
	IsFrozen    bool   `gorm:"not null"`
}

func (FrameRow) TableName() string { return "frames" }

// OverrideRow mirrors the permission-management service's per-user override
// table. Grant/revoke is owned there; this backend reads single rows.
type OverrideRow struct {
	FrameID    string `gorm:"primaryKey"`
	UserHandle string `gorm:"primaryKey"`
	Type       string `gorm:"not null"`
	GrantedBy  string `gorm:"not null"`
}

func (OverrideRow) TableName() string { return "frame_overrides" }

// UserQuotaRow holds the per-user admission state in the user service's
// schema.
type UserQuotaRow struct {
	UserHandle      string    `gorm:"primaryKey"`
	PixelsAvailable int       `gorm:"not null"`
	LastRefill      time.Time `gorm:"not null"`
}

func (UserQuotaRow) TableName() string { return "user_quotas" }

// FrameStatsRow is the stats aggregator's counter row. This backend only
// feeds it placement-added / placement-removed signals.
type FrameStatsRow struct {
	FrameID      string    `gorm:"primaryKey"`
	PixelCount   int64     `gorm:"not null"`
	LastActivity time.Time `gorm:"not null"`
}

func (FrameStatsRow) TableName() string { return "frame_stats" }
