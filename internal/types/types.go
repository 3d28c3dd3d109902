package types

import "time"

// Policy is a frame-level write policy.
type Policy string

const (
	PolicyOpen      Policy = "open"     // anyone not blocked may paint
	PolicyApproval  Policy = "approval" // only approved contributors may paint
	PolicyOwnerOnly Policy = "owner"    // only the owner may paint
)

// OverrideType is a per-(frame, user) permission override.
type OverrideType string

const (
	OverrideContributor OverrideType = "contributor"
	OverrideBlocked     OverrideType = "blocked"
	OverridePending     OverrideType = "pending"
)

// Frame is the canvas metadata record. Frames are created and managed by the
// frame-management service; this backend only reads them.
type Frame struct {
	ID          string
	Width       int
	Height      int
	OwnerHandle string
	Policy      Policy
	Frozen      bool
}

// Override is a per-user exception to a frame's policy.
type Override struct {
	FrameID    string
	UserHandle string
	Type       OverrideType
	GrantedBy  string
}

// Placement is one live pixel write. A later placement at the same
// (frame, x, y) supersedes it; it is never mutated in place.
type Placement struct {
	FrameID     string    `json:"frame_id"`
	X           int       `json:"x"`
	Y           int       `json:"y"`
	Color       uint32    `json:"color"` // 32-bit ARGB, 0 = transparent
	Contributor string    `json:"contributor"`
	PlacedAt    time.Time `json:"placed_at"`
}

// QuotaRecord is the per-user admission state held by the user service.
type QuotaRecord struct {
	UserHandle      string
	PixelsAvailable int
	LastRefill      time.Time
}

// Size is an allowed frame dimension pair.
type Size struct {
	Width  int
	Height int
}

// AllowedSizes is the fixed set of frame dimensions the product offers.
var AllowedSizes = []Size{
	{64, 64},
	{128, 128},
	{256, 144},
	{512, 288},
}

// ValidSize reports whether w×h is one of the allowed frame sizes.
func ValidSize(w, h int) bool {
	for _, s := range AllowedSizes {
		if s.Width == w && s.Height == h {
			return true
		}
	}
	return false
}
