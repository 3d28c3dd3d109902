package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/engine"
	"github.com/pixelcollab/canvas-backend/internal/fanout"
	"github.com/pixelcollab/canvas-backend/internal/store"
	"github.com/pixelcollab/canvas-backend/internal/ws"
)

// Deps is everything the HTTP surface needs injected.
type Deps struct {
	Engine    *engine.Engine
	Store     *store.Store
	Admission engine.Admission
	Frames    engine.FrameProvider
	Overrides engine.OverrideProvider
	Fanout    *fanout.Manager
	Log       *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Route("/frames/{frameID}", func(r chi.Router) {
		r.Post("/pixels", PlacePixel(d))
		r.Post("/undo", UndoPixel(d))
		r.Get("/state", FrameState(d))
		r.Get("/placements", PlacementsSince(d))
	})
	r.Get("/users/{handle}/quota", UserQuota(d))
	r.Get("/ws", ws.Handler(d.Fanout, d.Frames, d.Overrides, d.Log))
	r.Get("/healthz", Healthz)
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
