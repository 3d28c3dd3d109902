package types

import "time"

// Wire protocol, client-facing.
//
// REST:
//   POST /frames/{frameID}/pixels   body: { x, y, color }   -> PlaceResponse
//   POST /frames/{frameID}/undo                              -> UndoResponse
//   GET  /frames/{frameID}/state                             -> StateResponse
//   GET  /frames/{frameID}/placements?since=RFC3339          -> PlacementsResponse
//   GET  /users/{handle}/quota                               -> QuotaResponse
//   GET  /healthz
//
// Push (GET /ws?frame={frameID}):
//   The socket carries fanout.Event JSON:
//     { "type": "state", frame_id, width, height, cells, as_of }  on join/resync
//     { "type": "pixel", "data": Placement }                      per accepted placement
//     { "type": "clear", frame_id, x, y }                         per undo
//
// Every rejection uses ErrorResponse with a stable code:
//   frame_not_found | frame_frozen | invalid_coordinates | invalid_color |
//   permission_denied | quota_exceeded | nothing_to_undo | undo_expired |
//   storage_error
// quota_exceeded additionally carries retry_after so clients can show a
// countdown.

type Placement struct {
	FrameID     string    `json:"frame_id"`
	X           int       `json:"x"`
	Y           int       `json:"y"`
	Color       uint32    `json:"color"`
	Contributor string    `json:"contributor"`
	PlacedAt    time.Time `json:"placed_at"`
}

type PlaceResponse struct {
	Placement Placement `json:"placement"`
	Remaining int       `json:"remaining_quota"`
	Recolored bool      `json:"recolored,omitempty"`
}

type UndoResponse struct {
	Removed Placement `json:"removed"`
}

// StateResponse carries the reconstructed grid as the base64 form of the
// snapshot codec's blob (zstd-compressed little-endian ARGB raster).
type StateResponse struct {
	FrameID string    `json:"frame_id"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Cells   string    `json:"cells"`
	AsOf    time.Time `json:"as_of"`
}

type PlacementsResponse struct {
	Placements []Placement `json:"placements"`
}

type QuotaResponse struct {
	PixelsAvailable int       `json:"pixels_available"`
	NextRefill      time.Time `json:"next_refill"`
}

type ErrorResponse struct {
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}
