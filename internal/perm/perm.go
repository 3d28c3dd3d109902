// Package perm evaluates who may read or write a frame. Pure functions over
// the frame's policy and an optional per-user override; no I/O.
package perm

import "github.com/pixelcollab/canvas-backend/internal/types"

// CanWrite reports whether user may place pixels on frame. override may be
// nil (no per-user exception recorded).
func CanWrite(frame *types.Frame, user string, override *types.Override) bool {
	if user == frame.OwnerHandle {
		return true
	}
	switch frame.Policy {
	case types.PolicyOpen:
		return override == nil || override.Type != types.OverrideBlocked
	case types.PolicyApproval:
		return override != nil && override.Type == types.OverrideContributor
	case types.PolicyOwnerOnly:
		return false
	default:
		// Unknown policy values deny rather than guess.
		return false
	}
}

// CanView mirrors CanWrite but open frames are publicly readable, and
// approval/owner frames are readable by approved contributors.
func CanView(frame *types.Frame, user string, override *types.Override) bool {
	if user == frame.OwnerHandle {
		return true
	}
	switch frame.Policy {
	case types.PolicyOpen:
		return true
	case types.PolicyApproval, types.PolicyOwnerOnly:
		return override != nil && override.Type == types.OverrideContributor
	default:
		return false
	}
}
