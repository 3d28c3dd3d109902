package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/codec"
	"github.com/pixelcollab/canvas-backend/internal/engine"
	"github.com/pixelcollab/canvas-backend/internal/perm"
	"github.com/pixelcollab/canvas-backend/internal/quota"
	"github.com/pixelcollab/canvas-backend/internal/store"
	itypes "github.com/pixelcollab/canvas-backend/internal/types"
	"github.com/pixelcollab/canvas-backend/pkg/types"
)

// userHandle pulls the authenticated user from the gateway-set header. Auth
// itself lives in front of this service.
func userHandle(r *http.Request) string {
	return r.Header.Get("X-User-Handle")
}

// checkView gates the read surface: the frame must exist and the caller,
// possibly anonymous, must be allowed to see it. Open frames stay public;
// approval and owner-only frames need an ownership or contributor grant.
func checkView(r *http.Request, d Deps, frameID string) error {
	user := userHandle(r)
	frame, err := d.Frames.FrameByID(r.Context(), frameID)
	if err != nil {
		return err
	}
	if frame == nil {
		return engine.ErrFrameNotFound
	}
	override, err := d.Overrides.OverrideFor(r.Context(), frameID, user)
	if err != nil {
		return err
	}
	if !perm.CanView(frame, user, override) {
		return engine.ErrPermissionDenied
	}
	return nil
}

func PlacePixel(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userHandle(r)
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, types.ErrorResponse{
				Code: "unauthenticated", Message: "missing X-User-Handle",
			})
			return
		}

		// Decode by hand so a fractional coordinate is reported as an
		// invalid coordinate, not a generic parse failure.
		var body struct {
			X     json.Number `json:"x"`
			Y     json.Number `json:"y"`
			Color json.Number `json:"color"`
		}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
				Code: "bad_request", Message: "malformed JSON body",
			})
			return
		}
		x, xok := intField(body.X)
		y, yok := intField(body.Y)
		if !xok || !yok {
			writeError(w, d.Log, engine.ErrInvalidCoordinates)
			return
		}
		color, cok := colorField(body.Color)
		if !cok {
			writeError(w, d.Log, engine.ErrInvalidColor)
			return
		}

		res, err := d.Engine.Place(r.Context(), engine.PlaceRequest{
			FrameID: chi.URLParam(r, "frameID"),
			User:    user,
			X:       x,
			Y:       y,
			Color:   color,
		})
		if err != nil {
			writeError(w, d.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.PlaceResponse{
			Placement: wirePlacement(res.Placement),
			Remaining: res.Remaining,
			Recolored: res.Recolored,
		})
	}
}

func UndoPixel(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userHandle(r)
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, types.ErrorResponse{
				Code: "unauthenticated", Message: "missing X-User-Handle",
			})
			return
		}
		removed, err := d.Engine.Undo(r.Context(), chi.URLParam(r, "frameID"), user)
		if err != nil {
			writeError(w, d.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.UndoResponse{Removed: wirePlacement(removed)})
	}
}

func FrameState(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameID := chi.URLParam(r, "frameID")
		if err := checkView(r, d, frameID); err != nil {
			writeError(w, d.Log, err)
			return
		}
		grid, err := d.Store.Reconstruct(r.Context(), frameID)
		if err != nil {
			writeError(w, d.Log, err)
			return
		}
		blob := codec.Encode(grid.Cells, grid.Width, grid.Height)
		writeJSON(w, http.StatusOK, types.StateResponse{
			FrameID: frameID,
			Width:   grid.Width,
			Height:  grid.Height,
			Cells:   base64.StdEncoding.EncodeToString(blob),
			AsOf:    grid.AsOf,
		})
	}
}

func PlacementsSince(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameID := chi.URLParam(r, "frameID")
		if err := checkView(r, d, frameID); err != nil {
			writeError(w, d.Log, err)
			return
		}
		var since time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
					Code: "bad_request", Message: "since must be RFC3339",
				})
				return
			}
			since = t
		}
		placements, err := d.Store.PlacementsSince(r.Context(), frameID, since, 0)
		if err != nil {
			writeError(w, d.Log, err)
			return
		}
		resp := types.PlacementsResponse{Placements: make([]types.Placement, len(placements))}
		for i, p := range placements {
			resp.Placements[i] = wirePlacement(p)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func UserQuota(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available, next, err := d.Admission.Current(r.Context(), chi.URLParam(r, "handle"))
		if err != nil {
			writeError(w, d.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.QuotaResponse{
			PixelsAvailable: available,
			NextRefill:      next,
		})
	}
}

func intField(n json.Number) (int, bool) {
	if n.String() == "" {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func colorField(n json.Number) (uint32, bool) {
	v, ok := intField(n)
	if !ok || v < 0 || int64(v) > int64(^uint32(0)) {
		return 0, false
	}
	return uint32(v), true
}

func wirePlacement(p itypes.Placement) types.Placement {
	return types.Placement{
		FrameID:     p.FrameID,
		X:           p.X,
		Y:           p.Y,
		Color:       p.Color,
		Contributor: p.Contributor,
		PlacedAt:    p.PlacedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto stable wire codes.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.Is(err, engine.ErrFrameNotFound), errors.Is(err, store.ErrUnknownFrame):
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{
			Code: "frame_not_found", Message: "frame does not exist"})
	case errors.Is(err, engine.ErrFrameFrozen):
		writeJSON(w, http.StatusConflict, types.ErrorResponse{
			Code: "frame_frozen", Message: "frame is frozen"})
	case errors.Is(err, engine.ErrInvalidCoordinates):
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Code: "invalid_coordinates", Message: "coordinates must be integers inside the frame"})
	case errors.Is(err, engine.ErrInvalidColor):
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Code: "invalid_color", Message: "color is not a legal 32-bit ARGB value"})
	case errors.Is(err, engine.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, types.ErrorResponse{
			Code: "permission_denied", Message: "you may not access this frame"})
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{
			Code: "quota_exceeded", Message: "out of pixels for now",
			RetryAfter: &exceeded.RetryAt})
	case errors.Is(err, engine.ErrNothingToUndo):
		writeJSON(w, http.StatusConflict, types.ErrorResponse{
			Code: "nothing_to_undo", Message: "no placement of yours to undo"})
	case errors.Is(err, engine.ErrUndoExpired):
		writeJSON(w, http.StatusGone, types.ErrorResponse{
			Code: "undo_expired", Message: "placement is older than the undo window"})
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{
			Code: "storage_error", Message: "internal storage failure"})
	}
}
