// Package store owns the durable pixel log and the snapshot chain that keeps
// reconstruction cheap. All reads and writes go through gorm; the store never
// retries on its own; retries belong to callers that know the request's
// budget.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pixelcollab/canvas-backend/internal/codec"
	"github.com/pixelcollab/canvas-backend/internal/types"
)

// Snapshot triggers (see ShouldSnapshot).
const (
	snapshotMinPixels = 100            // first snapshot: live pixels on a never-compacted frame
	snapshotMaxLag    = 1000           // follow-up snapshot: placements since the last one
	snapshotMaxAge    = 24 * time.Hour // age trigger, only if anything changed
)

const (
	defaultKeep     = 3   // snapshots retained per frame
	defaultPageSize = 500 // placement-log page size during reconstruction
)

// ErrUnknownFrame is returned when an operation references a frame the
// metadata table does not have.
var ErrUnknownFrame = errors.New("unknown frame")

// StorageError wraps any durable-store failure so callers can distinguish
// infrastructure trouble from domain rejections.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// StatsRecorder receives placement signals for the external stats
// aggregator. Implementations must not block the write path on failure.
type StatsRecorder interface {
	PlacementAdded(ctx context.Context, frameID, contributor string)
	PlacementRemoved(ctx context.Context, frameID, contributor string)
}

// Grid is a reconstructed frame: row-major ARGB cells plus the dimensions
// they were reconstructed against.
type Grid struct {
	Width  int
	Height int
	Cells  []uint32
	AsOf   time.Time
}

// Store is the log & snapshot engine for every frame.
type Store struct {
	db       *gorm.DB
	log      *zap.Logger
	stats    StatsRecorder
	keep     int
	pageSize int
	now      func() time.Time

	flight singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithStats wires the stats-aggregator adapter.
func WithStats(s StatsRecorder) Option {
	return func(st *Store) { st.stats = s }
}

// WithKeep sets how many snapshots are retained per frame.
func WithKeep(n int) Option {
	return func(st *Store) {
		if n > 0 {
			st.keep = n
		}
	}
}

// WithPageSize sets the reconstruction page size.
func WithPageSize(n int) Option {
	return func(st *Store) {
		if n > 0 {
			st.pageSize = n
		}
	}
}

func New(db *gorm.DB, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:       db,
		log:      log,
		keep:     defaultKeep,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the store's own tables plus the collaborator tables this
// repo also hosts in development.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&Pixel{}, &Snapshot{}, &FrameRow{}, &OverrideRow{}, &UserQuotaRow{}, &FrameStatsRow{},
	); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

// Append writes or overwrites the live entry for (frame, x, y). Re-placing
// the identical color is a documented no-op that still succeeds, so callers
// can skip quota for it. Every durable write is signalled to the stats
// recorder.
func (s *Store) Append(ctx context.Context, p types.Placement) (types.Placement, error) {
	if p.PlacedAt.IsZero() {
		p.PlacedAt = s.now().UTC()
	}
	existing, err := s.PixelAt(ctx, p.FrameID, p.X, p.Y)
	if err != nil {
		return types.Placement{}, err
	}
	if existing != nil && existing.Color == p.Color {
		return *existing, nil
	}
	row := Pixel{
		FrameID:     p.FrameID,
		X:           p.X,
		Y:           p.Y,
		Color:       p.Color,
		Contributor: p.Contributor,
		PlacedAt:    p.PlacedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "frame_id"}, {Name: "x"}, {Name: "y"}},
		DoUpdates: clause.AssignmentColumns([]string{"color", "contributor", "placed_at"}),
	}).Create(&row).Error
	if err != nil {
		return types.Placement{}, storageErr("append", err)
	}
	if s.stats != nil {
		s.stats.PlacementAdded(ctx, p.FrameID, p.Contributor)
	}
	return p, nil
}

// PixelAt returns the live placement at (frame, x, y), or nil when the cell
// is unpainted.
func (s *Store) PixelAt(ctx context.Context, frameID string, x, y int) (*types.Placement, error) {
	var row Pixel
	err := s.db.WithContext(ctx).
		Where("frame_id = ? AND x = ? AND y = ?", frameID, x, y).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("pixel lookup", err)
	}
	p := rowToPlacement(row)
	return &p, nil
}

// LatestBy returns the user's most recent live placement in the frame, or
// nil when they have none.
func (s *Store) LatestBy(ctx context.Context, frameID, contributor string) (*types.Placement, error) {
	var row Pixel
	err := s.db.WithContext(ctx).
		Where("frame_id = ? AND contributor = ?", frameID, contributor).
		Order("placed_at DESC").Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest lookup", err)
	}
	p := rowToPlacement(row)
	return &p, nil
}

// Remove deletes the live entry at the placement's coordinate, but only if
// the row still is that placement. A concurrent overwrite between the
// caller's read and this delete leaves the newer pixel alone and reports
// false. This is the undo path: a delete, not a compensating write, so
// reconstruction never resurrects the pixel.
func (s *Store) Remove(ctx context.Context, p types.Placement) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("frame_id = ? AND x = ? AND y = ? AND contributor = ? AND placed_at = ?",
			p.FrameID, p.X, p.Y, p.Contributor, p.PlacedAt).
		Delete(&Pixel{})
	if res.Error != nil {
		return false, storageErr("remove", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if s.stats != nil {
		s.stats.PlacementRemoved(ctx, p.FrameID, p.Contributor)
	}
	return true, nil
}

// PlacementsSince returns live placements newer than since, oldest first.
// It backs the polling fallback and catch-up feeds; limit bounds the page.
func (s *Store) PlacementsSince(ctx context.Context, frameID string, since time.Time, limit int) ([]types.Placement, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	var rows []Pixel
	err := s.db.WithContext(ctx).
		Where("frame_id = ? AND placed_at > ?", frameID, since).
		Order("placed_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("placements since", err)
	}
	out := make([]types.Placement, len(rows))
	for i, r := range rows {
		out[i] = rowToPlacement(r)
	}
	return out, nil
}

// Reconstruct returns the frame's current grid: the newest snapshot (or an
// all-transparent grid) with every strictly-newer placement applied in
// timestamp order. Concurrent callers for the same frame share one replay.
func (s *Store) Reconstruct(ctx context.Context, frameID string) (Grid, error) {
	// The replay is shared across callers, so it must not die with whichever
	// caller happened to start it.
	inner := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(frameID, func() (any, error) {
		return s.reconstruct(inner, frameID)
	})
	if err != nil {
		return Grid{}, err
	}
	return v.(Grid), nil
}

func (s *Store) reconstruct(ctx context.Context, frameID string) (Grid, error) {
	frame, err := s.frameRow(ctx, frameID)
	if err != nil {
		return Grid{}, err
	}
	asOf := s.now().UTC()

	cells := make([]uint32, frame.Width*frame.Height)
	var since time.Time
	snap, err := s.latestSnapshot(ctx, frameID)
	if err != nil {
		return Grid{}, err
	}
	if snap != nil {
		decoded, err := codec.Decode(snap.Data, frame.Width, frame.Height)
		if err != nil {
			return Grid{}, storageErr("snapshot decode", err)
		}
		cells = decoded
		since = snap.CreatedAt
	}

	// Placement history is unbounded; page through it instead of trusting a
	// single query to hold everything. The cursor is the last row seen, not a
	// row offset: an upsert during the walk moves a scanned row to the end of
	// the ordering, and an offset would then skip an unscanned one.
	var lastAt time.Time
	var lastID uint64
	haveCursor := false
	for {
		q := s.db.WithContext(ctx).Where("frame_id = ?", frameID)
		if haveCursor {
			q = q.Where("placed_at > ? OR (placed_at = ? AND id > ?)", lastAt, lastAt, lastID)
		} else {
			q = q.Where("placed_at > ?", since)
		}
		var rows []Pixel
		err := q.Order("placed_at ASC").Order("id ASC").
			Limit(s.pageSize).
			Find(&rows).Error
		if err != nil {
			return Grid{}, storageErr("replay page", err)
		}
		for _, r := range rows {
			if r.X >= 0 && r.X < frame.Width && r.Y >= 0 && r.Y < frame.Height {
				cells[r.Y*frame.Width+r.X] = r.Color
			}
		}
		if len(rows) < s.pageSize {
			break
		}
		tail := rows[len(rows)-1]
		lastAt, lastID, haveCursor = tail.PlacedAt, tail.ID, true
	}

	return Grid{Width: frame.Width, Height: frame.Height, Cells: cells, AsOf: asOf}, nil
}

// ShouldSnapshot reports whether the frame is due for compaction: first
// snapshot once enough pixels are live, follow-ups when enough placements
// landed since the last one, or daily as long as anything changed at all.
func (s *Store) ShouldSnapshot(ctx context.Context, frameID string) (bool, error) {
	snap, err := s.latestSnapshot(ctx, frameID)
	if err != nil {
		return false, err
	}
	if snap == nil {
		n, err := s.countSince(ctx, frameID, time.Time{})
		if err != nil {
			return false, err
		}
		return n >= snapshotMinPixels, nil
	}
	n, err := s.countSince(ctx, frameID, snap.CreatedAt)
	if err != nil {
		return false, err
	}
	if n >= snapshotMaxLag {
		return true, nil
	}
	return n >= 1 && s.now().Sub(snap.CreatedAt) > snapshotMaxAge, nil
}

// CompactIfNeeded snapshots the frame when ShouldSnapshot says so, then
// prunes old snapshots. The new snapshot must be durable before anything is
// deleted: a crash in between leaves an extra snapshot, never zero.
func (s *Store) CompactIfNeeded(ctx context.Context, frameID string) error {
	due, err := s.ShouldSnapshot(ctx, frameID)
	if err != nil || !due {
		return err
	}
	grid, err := s.Reconstruct(ctx, frameID)
	if err != nil {
		return err
	}
	painted := 0
	for _, c := range grid.Cells {
		if c != 0 {
			painted++
		}
	}
	snap := Snapshot{
		FrameID:    frameID,
		Data:       codec.Encode(grid.Cells, grid.Width, grid.Height),
		PixelCount: painted,
		CreatedAt:  grid.AsOf,
	}
	if err := s.db.WithContext(ctx).Create(&snap).Error; err != nil {
		return storageErr("snapshot create", err)
	}
	return s.pruneSnapshots(ctx, frameID)
}

func (s *Store) pruneSnapshots(ctx context.Context, frameID string) error {
	var stale []uint64
	err := s.db.WithContext(ctx).Model(&Snapshot{}).
		Where("frame_id = ?", frameID).
		Order("created_at DESC").Order("id DESC").
		Offset(s.keep).
		Pluck("id", &stale).Error
	if err != nil {
		return storageErr("snapshot prune scan", err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&Snapshot{}, stale).Error; err != nil {
		return storageErr("snapshot prune", err)
	}
	return nil
}

func (s *Store) latestSnapshot(ctx context.Context, frameID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).
		Where("frame_id = ?", frameID).
		Order("created_at DESC").Order("id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("snapshot lookup", err)
	}
	return &snap, nil
}

func (s *Store) countSince(ctx context.Context, frameID string, since time.Time) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&Pixel{}).Where("frame_id = ?", frameID)
	if !since.IsZero() {
		q = q.Where("placed_at > ?", since)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, storageErr("placement count", err)
	}
	return n, nil
}

func (s *Store) frameRow(ctx context.Context, frameID string) (*FrameRow, error) {
	var row FrameRow
	err := s.db.WithContext(ctx).Where("id = ?", frameID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, frameID)
	}
	if err != nil {
		return nil, storageErr("frame lookup", err)
	}
	return &row, nil
}

func rowToPlacement(r Pixel) types.Placement {
	return types.Placement{
		FrameID:     r.FrameID,
		X:           r.X,
		Y:           r.Y,
		Color:       r.Color,
		Contributor: r.Contributor,
		PlacedAt:    r.PlacedAt,
	}
}
