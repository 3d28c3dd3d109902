package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/quota"
	"github.com/pixelcollab/canvas-backend/internal/types"
)

type fakeFrames map[string]*types.Frame

func (f fakeFrames) FrameByID(ctx context.Context, id string) (*types.Frame, error) {
	return f[id], nil
}

type fakeOverrides map[string]*types.Override

func (f fakeOverrides) OverrideFor(ctx context.Context, frameID, user string) (*types.Override, error) {
	return f[frameID+"/"+user], nil
}

type coord struct{ x, y int }

type fakeLog struct {
	pixels       map[coord]types.Placement
	appendErr    error
	compactErr   error
	compactCalls int

	// beforeRemove, when set, runs between the read and the delete so tests
	// can interleave a concurrent overwrite.
	beforeRemove func()
}

func newFakeLog() *fakeLog {
	return &fakeLog{pixels: map[coord]types.Placement{}}
}

func (l *fakeLog) Append(ctx context.Context, p types.Placement) (types.Placement, error) {
	if l.appendErr != nil {
		return types.Placement{}, l.appendErr
	}
	l.pixels[coord{p.X, p.Y}] = p
	return p, nil
}

func (l *fakeLog) PixelAt(ctx context.Context, frameID string, x, y int) (*types.Placement, error) {
	p, ok := l.pixels[coord{x, y}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (l *fakeLog) LatestBy(ctx context.Context, frameID, contributor string) (*types.Placement, error) {
	var latest *types.Placement
	for _, p := range l.pixels {
		if p.Contributor != contributor {
			continue
		}
		if latest == nil || p.PlacedAt.After(latest.PlacedAt) {
			q := p
			latest = &q
		}
	}
	return latest, nil
}

func (l *fakeLog) Remove(ctx context.Context, p types.Placement) (bool, error) {
	if l.beforeRemove != nil {
		l.beforeRemove()
	}
	live, ok := l.pixels[coord{p.X, p.Y}]
	if !ok || live.Contributor != p.Contributor || !live.PlacedAt.Equal(p.PlacedAt) {
		return false, nil
	}
	delete(l.pixels, coord{p.X, p.Y})
	return true, nil
}

func (l *fakeLog) CompactIfNeeded(ctx context.Context, frameID string) error {
	l.compactCalls++
	return l.compactErr
}

type memRecords map[string]types.QuotaRecord

func (m memRecords) Quota(ctx context.Context, user string) (*types.QuotaRecord, error) {
	rec, ok := m[user]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m memRecords) SaveQuota(ctx context.Context, rec types.QuotaRecord) error {
	m[rec.UserHandle] = rec
	return nil
}

type capturedEvents struct {
	placed  []types.Placement
	cleared []coord
}

func (c *capturedEvents) PlacementAccepted(p types.Placement)       { c.placed = append(c.placed, p) }
func (c *capturedEvents) PlacementCleared(frameID string, x, y int) { c.cleared = append(c.cleared, coord{x, y}) }

type harness struct {
	eng     *Engine
	log     *fakeLog
	records memRecords
	events  *capturedEvents
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	frames := fakeFrames{
		"f1":     {ID: "f1", Width: 64, Height: 64, OwnerHandle: "owner", Policy: types.PolicyOpen},
		"frozen": {ID: "frozen", Width: 64, Height: 64, OwnerHandle: "owner", Policy: types.PolicyOpen, Frozen: true},
		"locked": {ID: "locked", Width: 64, Height: 64, OwnerHandle: "owner", Policy: types.PolicyOwnerOnly},
	}
	overrides := fakeOverrides{}
	log := newFakeLog()
	records := memRecords{}
	events := &capturedEvents{}
	admission := quota.NewController(records, quota.DefaultMaxPerHour, zap.NewNop())
	eng := New(frames, overrides, log, admission, events, zap.NewNop(), opts...)
	return &harness{eng: eng, log: log, records: records, events: events}
}

func (h *harness) quotaOf(t *testing.T, user string) int {
	t.Helper()
	rec, ok := h.records[user]
	require.True(t, ok, "no quota record for %s", user)
	return rec.PixelsAvailable
}

func TestPlaceAcceptsAndDebits(t *testing.T) {
	h := newHarness(t)
	res, err := h.eng.Place(context.Background(), PlaceRequest{
		FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 0xFFFF0000,
	})
	require.NoError(t, err)
	require.Equal(t, 99, res.Remaining)
	require.False(t, res.Recolored)
	require.EqualValues(t, 0xFFFF0000, h.log.pixels[coord{0, 0}].Color)
	require.Len(t, h.events.placed, 1)
	require.Equal(t, 1, h.log.compactCalls)
}

func TestPlaceSameColorIsFreeRecolor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Place(ctx, PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 0xFFFF0000})
	require.NoError(t, err)
	require.Equal(t, 99, h.quotaOf(t, "alice"))

	res, err := h.eng.Place(ctx, PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 0xFFFF0000})
	require.NoError(t, err)
	require.True(t, res.Recolored)
	require.Equal(t, 99, res.Remaining, "recolor must not spend quota")
	require.Len(t, h.events.placed, 1, "recolor publishes nothing")
}

func TestPlaceRejections(t *testing.T) {
	cases := []struct {
		name    string
		req     PlaceRequest
		wantErr error
	}{
		{
			name:    "unknown frame",
			req:     PlaceRequest{FrameID: "missing", User: "alice", X: 0, Y: 0, Color: 1},
			wantErr: ErrFrameNotFound,
		},
		{
			name:    "frozen frame",
			req:     PlaceRequest{FrameID: "frozen", User: "alice", X: 0, Y: 0, Color: 1},
			wantErr: ErrFrameFrozen,
		},
		{
			name:    "x out of bounds",
			req:     PlaceRequest{FrameID: "f1", User: "alice", X: 64, Y: 0, Color: 1},
			wantErr: ErrInvalidCoordinates,
		},
		{
			name:    "negative y",
			req:     PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: -1, Color: 1},
			wantErr: ErrInvalidCoordinates,
		},
		{
			name:    "owner-only frame, non-owner",
			req:     PlaceRequest{FrameID: "locked", User: "alice", X: 0, Y: 0, Color: 1},
			wantErr: ErrPermissionDenied,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.eng.Place(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.wantErr)
			require.Empty(t, h.log.pixels, "rejected placement must not hit the log")
			_, stored := h.records[tc.req.User]
			require.False(t, stored, "rejected placement must not touch quota")
		})
	}
}

func TestPlaceOwnerBypassesPolicy(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Place(context.Background(), PlaceRequest{
		FrameID: "locked", User: "owner", X: 1, Y: 1, Color: 0xFF00FF00,
	})
	require.NoError(t, err)
}

func TestPlacePaletteRestriction(t *testing.T) {
	h := newHarness(t, WithPalette([]uint32{0xFFFF0000, 0xFF00FF00}))
	ctx := context.Background()

	_, err := h.eng.Place(ctx, PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 0xFF0000FF})
	require.ErrorIs(t, err, ErrInvalidColor)

	_, err = h.eng.Place(ctx, PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 0xFFFF0000})
	require.NoError(t, err)
}

func TestPlaceQuotaExhaustion(t *testing.T) {
	h := newHarness(t)
	last := time.Now().Add(-10 * time.Minute)
	h.records["alice"] = types.QuotaRecord{UserHandle: "alice", PixelsAvailable: 0, LastRefill: last}

	_, err := h.eng.Place(context.Background(), PlaceRequest{
		FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 1,
	})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, last.Add(time.Hour), exceeded.RetryAt)
	require.Empty(t, h.log.pixels)
}

func TestPlaceLazyRefillBeforeDebit(t *testing.T) {
	// Quota 0 but last refill 61 minutes ago: the placement must succeed and
	// leave 99 pixels.
	h := newHarness(t)
	h.records["alice"] = types.QuotaRecord{
		UserHandle:      "alice",
		PixelsAvailable: 0,
		LastRefill:      time.Now().Add(-61 * time.Minute),
	}

	res, err := h.eng.Place(context.Background(), PlaceRequest{
		FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 99, res.Remaining)
	require.Equal(t, 99, h.quotaOf(t, "alice"))
}

func TestPlaceAppendFailureKeepsDebit(t *testing.T) {
	h := newHarness(t)
	h.log.appendErr = errors.New("db down")

	_, err := h.eng.Place(context.Background(), PlaceRequest{
		FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 1,
	})
	require.Error(t, err)
	// Deliberate policy: the lost pixel is not refunded.
	require.Equal(t, 99, h.quotaOf(t, "alice"))
	require.Empty(t, h.events.placed)
}

func TestPlaceSurvivesCompactionFailure(t *testing.T) {
	h := newHarness(t)
	h.log.compactErr = errors.New("snapshot store down")

	res, err := h.eng.Place(context.Background(), PlaceRequest{
		FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 1,
	})
	require.NoError(t, err, "compaction is an optimization, not a gate")
	require.Equal(t, 99, res.Remaining)
}

func TestUndoRevertsAndRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Place(ctx, PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 0xFFFF0000})
	require.NoError(t, err)
	require.Equal(t, 99, h.quotaOf(t, "alice"))

	removed, err := h.eng.Undo(ctx, "f1", "alice")
	require.NoError(t, err)
	require.Equal(t, 0, removed.X)
	require.Empty(t, h.log.pixels, "undo removes the live entry")
	require.Equal(t, 100, h.quotaOf(t, "alice"), "undo refunds exactly one pixel")
	require.Equal(t, []coord{{0, 0}}, h.events.cleared)

	_, err = h.eng.Undo(ctx, "f1", "alice")
	require.ErrorIs(t, err, ErrNothingToUndo)
}

func TestUndoExpiresAfterWindow(t *testing.T) {
	h := newHarness(t)
	h.log.pixels[coord{2, 2}] = types.Placement{
		FrameID: "f1", X: 2, Y: 2, Color: 1,
		Contributor: "alice", PlacedAt: time.Now().Add(-UndoWindow - time.Second),
	}

	_, err := h.eng.Undo(context.Background(), "f1", "alice")
	require.ErrorIs(t, err, ErrUndoExpired)
	require.Len(t, h.log.pixels, 1, "expired undo must not delete")
}

func TestUndoTargetsMostRecentPlacement(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.log.pixels[coord{1, 1}] = types.Placement{
		FrameID: "f1", X: 1, Y: 1, Color: 1,
		Contributor: "alice", PlacedAt: now.Add(-2 * time.Minute),
	}
	h.log.pixels[coord{3, 3}] = types.Placement{
		FrameID: "f1", X: 3, Y: 3, Color: 2,
		Contributor: "alice", PlacedAt: now.Add(-time.Minute),
	}

	removed, err := h.eng.Undo(context.Background(), "f1", "alice")
	require.NoError(t, err)
	require.Equal(t, 3, removed.X)
	_, stillThere := h.log.pixels[coord{1, 1}]
	require.True(t, stillThere)
}

func TestUndoSupersededPlacementRefusesAndKeepsDebit(t *testing.T) {
	// Bob overwrites alice's pixel between her undo's read and its delete:
	// bob's pixel must survive and alice gets neither the undo nor a refund.
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Place(ctx, PlaceRequest{FrameID: "f1", User: "alice", X: 0, Y: 0, Color: 1})
	require.NoError(t, err)
	require.Equal(t, 99, h.quotaOf(t, "alice"))

	h.log.beforeRemove = func() {
		h.log.pixels[coord{0, 0}] = types.Placement{
			FrameID: "f1", X: 0, Y: 0, Color: 2,
			Contributor: "bob", PlacedAt: time.Now(),
		}
	}

	_, err = h.eng.Undo(ctx, "f1", "alice")
	require.ErrorIs(t, err, ErrNothingToUndo)
	require.Equal(t, "bob", h.log.pixels[coord{0, 0}].Contributor)
	require.Equal(t, 99, h.quotaOf(t, "alice"), "a failed undo must not refund")
	require.Empty(t, h.events.cleared)
}

func TestUndoWindowIsConfigurable(t *testing.T) {
	h := newHarness(t, WithUndoWindow(time.Second))
	h.log.pixels[coord{2, 2}] = types.Placement{
		FrameID: "f1", X: 2, Y: 2, Color: 1,
		Contributor: "alice", PlacedAt: time.Now().Add(-2 * time.Second),
	}

	_, err := h.eng.Undo(context.Background(), "f1", "alice")
	require.ErrorIs(t, err, ErrUndoExpired)
}

func TestUndoUnknownFrame(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Undo(context.Background(), "missing", "alice")
	require.ErrorIs(t, err, ErrFrameNotFound)
}
