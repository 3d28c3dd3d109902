// Package engine coordinates a single placement request: frame checks, then
// permission, then admission, then the conflict-resolved write, plus the
// time-bounded undo path. It owns no state of its own; everything durable
// lives behind the provider interfaces.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/perm"
	"github.com/pixelcollab/canvas-backend/internal/quota"
	"github.com/pixelcollab/canvas-backend/internal/types"
)

// UndoWindow is how long a contributor can take back their latest placement
// unless WithUndoWindow overrides it.
const UndoWindow = 5 * time.Minute

var (
	ErrFrameNotFound      = errors.New("frame not found")
	ErrFrameFrozen        = errors.New("frame is frozen")
	ErrInvalidCoordinates = errors.New("coordinates out of bounds")
	ErrInvalidColor       = errors.New("color not allowed")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNothingToUndo      = errors.New("nothing to undo")
	ErrUndoExpired        = errors.New("undo window expired")
)

// FrameProvider resolves frame metadata; nil, nil means no such frame.
type FrameProvider interface {
	FrameByID(ctx context.Context, id string) (*types.Frame, error)
}

// OverrideProvider fetches the (frame, user) permission override, nil when
// none exists.
type OverrideProvider interface {
	OverrideFor(ctx context.Context, frameID, user string) (*types.Override, error)
}

// PixelLog is the slice of the store the coordinator writes through.
type PixelLog interface {
	Append(ctx context.Context, p types.Placement) (types.Placement, error)
	PixelAt(ctx context.Context, frameID string, x, y int) (*types.Placement, error)
	LatestBy(ctx context.Context, frameID, contributor string) (*types.Placement, error)
	Remove(ctx context.Context, p types.Placement) (bool, error)
	CompactIfNeeded(ctx context.Context, frameID string) error
}

// EventSink receives accepted placements and undo clears for fan-out.
// Delivery is best-effort and never affects the request outcome.
type EventSink interface {
	PlacementAccepted(p types.Placement)
	PlacementCleared(frameID string, x, y int)
}

// Admission is the quota gate in front of the log.
type Admission interface {
	Current(ctx context.Context, user string) (int, time.Time, error)
	Debit(ctx context.Context, user string) (quota.DebitResult, error)
	Credit(ctx context.Context, user string) error
}

// Engine is the placement coordinator.
type Engine struct {
	frames    FrameProvider
	overrides OverrideProvider
	pixels    PixelLog
	admission Admission
	events    EventSink
	log       *zap.Logger

	// palette, when non-empty, restricts placements to an enumerated color
	// set; empty means the full 32-bit ARGB space is legal.
	palette    map[uint32]struct{}
	undoWindow time.Duration
	now        func() time.Time
}

type Option func(*Engine)

// WithUndoWindow overrides the default undo window.
func WithUndoWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.undoWindow = d
		}
	}
}

// WithPalette restricts legal colors to the given set.
func WithPalette(colors []uint32) Option {
	return func(e *Engine) {
		if len(colors) == 0 {
			return
		}
		e.palette = make(map[uint32]struct{}, len(colors))
		for _, c := range colors {
			e.palette[c] = struct{}{}
		}
	}
}

func New(frames FrameProvider, overrides OverrideProvider, pixels PixelLog, admission Admission, events EventSink, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		frames:    frames,
		overrides: overrides,
		pixels:    pixels,
		admission: admission,
		events:    events,
		log:       log,

		undoWindow: UndoWindow,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// PlaceRequest is one pixel write attempt.
type PlaceRequest struct {
	FrameID string
	User    string
	X, Y    int
	Color   uint32
}

// PlaceResult is an accepted placement plus the user's remaining quota.
type PlaceResult struct {
	Placement types.Placement
	Remaining int
	// Recolored is true when the cell already held this color and no quota
	// was spent.
	Recolored bool
}

// Place runs the full admission pipeline for one placement. Validation
// failures are terminal; only the store boundary can produce retryable
// errors.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	frame, err := e.frames.FrameByID(ctx, req.FrameID)
	if err != nil {
		return PlaceResult{}, err
	}
	if frame == nil {
		return PlaceResult{}, ErrFrameNotFound
	}
	if frame.Frozen {
		return PlaceResult{}, ErrFrameFrozen
	}
	if req.X < 0 || req.X >= frame.Width || req.Y < 0 || req.Y >= frame.Height {
		return PlaceResult{}, ErrInvalidCoordinates
	}
	if e.palette != nil {
		if _, ok := e.palette[req.Color]; !ok {
			return PlaceResult{}, ErrInvalidColor
		}
	}

	override, err := e.overrides.OverrideFor(ctx, req.FrameID, req.User)
	if err != nil {
		return PlaceResult{}, err
	}
	if !perm.CanWrite(frame, req.User, override) {
		return PlaceResult{}, ErrPermissionDenied
	}

	// Same color on an already-painted cell: accept without touching quota
	// or the log.
	current, err := e.pixels.PixelAt(ctx, req.FrameID, req.X, req.Y)
	if err != nil {
		return PlaceResult{}, err
	}
	if current != nil && current.Color == req.Color {
		remaining, _, err := e.admission.Current(ctx, req.User)
		if err != nil {
			return PlaceResult{}, err
		}
		return PlaceResult{Placement: *current, Remaining: remaining, Recolored: true}, nil
	}

	debit, err := e.admission.Debit(ctx, req.User)
	if err != nil {
		return PlaceResult{}, err
	}

	placed, err := e.pixels.Append(ctx, types.Placement{
		FrameID:     req.FrameID,
		X:           req.X,
		Y:           req.Y,
		Color:       req.Color,
		Contributor: req.User,
		PlacedAt:    e.now().UTC(),
	})
	if err != nil {
		// The debit already landed and is not refunded: a refund racing a
		// concurrent refill can double-credit.
		return PlaceResult{}, err
	}

	if e.events != nil {
		e.events.PlacementAccepted(placed)
	}

	// Compaction is an optimization. If it fails, the next eligible trigger
	// picks it up; the placement already succeeded.
	if err := e.pixels.CompactIfNeeded(ctx, req.FrameID); err != nil {
		e.log.Warn("compaction skipped",
			zap.String("frame", req.FrameID), zap.Error(err))
	}

	return PlaceResult{Placement: placed, Remaining: debit.Remaining}, nil
}

// Undo removes the user's most recent placement in the frame if it is still
// inside the undo window, and refunds one pixel of quota.
func (e *Engine) Undo(ctx context.Context, frameID, user string) (types.Placement, error) {
	frame, err := e.frames.FrameByID(ctx, frameID)
	if err != nil {
		return types.Placement{}, err
	}
	if frame == nil {
		return types.Placement{}, ErrFrameNotFound
	}

	latest, err := e.pixels.LatestBy(ctx, frameID, user)
	if err != nil {
		return types.Placement{}, err
	}
	if latest == nil {
		return types.Placement{}, ErrNothingToUndo
	}
	if e.now().Sub(latest.PlacedAt) > e.undoWindow {
		return types.Placement{}, ErrUndoExpired
	}

	removed, err := e.pixels.Remove(ctx, *latest)
	if err != nil {
		return types.Placement{}, err
	}
	if !removed {
		// Someone overwrote the pixel between our read and the delete. Their
		// placement stands, and there is nothing of ours left to refund.
		return types.Placement{}, ErrNothingToUndo
	}
	if err := e.admission.Credit(ctx, user); err != nil {
		// The delete stuck; the refund did not. Same bias as debit: the user
		// keeps the benefit of the doubt, ops gets the log line.
		e.log.Warn("undo refund not persisted",
			zap.String("user", user), zap.String("frame", frameID), zap.Error(err))
	}
	if e.events != nil {
		e.events.PlacementCleared(frameID, latest.X, latest.Y)
	}
	return *latest, nil
}
