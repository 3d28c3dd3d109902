// Package quota is the admission gate in front of the pixel log: every user
// gets MaxPerHour pixels, refilled in whole-hour steps.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/types"
)

// DefaultMaxPerHour is the per-user pixel budget per hour.
const DefaultMaxPerHour = 100

// Records is the user-service view this package needs: read and write one
// quota record per user. Quota returns nil when the user has no record yet.
type Records interface {
	Quota(ctx context.Context, user string) (*types.QuotaRecord, error)
	SaveQuota(ctx context.Context, rec types.QuotaRecord) error
}

// ExceededError is returned by Debit when the user is out of pixels. RetryAt
// is when the next whole-hour refill lands, so clients can show a countdown.
type ExceededError struct {
	RetryAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded, refills at %s", e.RetryAt.Format(time.RFC3339))
}

// DebitResult reports the quota left after a successful debit.
type DebitResult struct {
	Remaining  int
	NextRefill time.Time
}

// Controller applies the refill/debit/credit rules on top of a Records
// provider. Safe for concurrent use; all state lives in the provider.
type Controller struct {
	records Records
	max     int
	log     *zap.Logger
	now     func() time.Time
}

func NewController(records Records, max int, log *zap.Logger) *Controller {
	if max <= 0 {
		max = DefaultMaxPerHour
	}
	return &Controller{records: records, max: max, log: log, now: time.Now}
}

// Max returns the hourly pixel cap.
func (c *Controller) Max() int { return c.max }

// Current returns the user's quota after applying any pending refill, and the
// time of the next refill. The refill is persisted when it changes anything.
func (c *Controller) Current(ctx context.Context, user string) (int, time.Time, error) {
	rec, err := c.load(ctx, user)
	if err != nil {
		return 0, time.Time{}, err
	}
	if c.refill(rec) {
		if err := c.records.SaveQuota(ctx, *rec); err != nil {
			return 0, time.Time{}, err
		}
	}
	return rec.PixelsAvailable, rec.LastRefill.Add(time.Hour), nil
}

// Debit takes one pixel from the user's quota. It fails with *ExceededError
// when the (post-refill) quota is zero. A persistence failure after the
// decrement is decided in the user's favor: the debit succeeds and the error
// is only logged.
func (c *Controller) Debit(ctx context.Context, user string) (DebitResult, error) {
	rec, err := c.load(ctx, user)
	if err != nil {
		return DebitResult{}, err
	}
	c.refill(rec)
	if rec.PixelsAvailable == 0 {
		return DebitResult{}, &ExceededError{RetryAt: rec.LastRefill.Add(time.Hour)}
	}
	rec.PixelsAvailable--
	if err := c.records.SaveQuota(ctx, *rec); err != nil {
		// Fail open: the user keeps the pixel, ops gets the log line.
		c.log.Warn("quota debit not persisted",
			zap.String("user", user), zap.Error(err))
	}
	return DebitResult{Remaining: rec.PixelsAvailable, NextRefill: rec.LastRefill.Add(time.Hour)}, nil
}

// Credit returns one pixel to the user, capped at the hourly max. Used by the
// undo path only. LastRefill is never moved backwards.
func (c *Controller) Credit(ctx context.Context, user string) error {
	rec, err := c.load(ctx, user)
	if err != nil {
		return err
	}
	c.refill(rec)
	if rec.PixelsAvailable < c.max {
		rec.PixelsAvailable++
	}
	return c.records.SaveQuota(ctx, *rec)
}

// load fetches the record, treating an unknown user as a fresh full bucket.
func (c *Controller) load(ctx context.Context, user string) (*types.QuotaRecord, error) {
	rec, err := c.records.Quota(ctx, user)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &types.QuotaRecord{
			UserHandle:      user,
			PixelsAvailable: c.max,
			LastRefill:      c.now(),
		}, nil
	}
	return rec, nil
}

// refill applies the lazy whole-hour refill and reports whether the record
// changed. Partial hours grant nothing.
func (c *Controller) refill(rec *types.QuotaRecord) bool {
	now := c.now()
	h := int(now.Sub(rec.LastRefill) / time.Hour)
	if h < 1 {
		return false
	}
	q := rec.PixelsAvailable + h*c.max
	if q > c.max {
		q = c.max
	}
	rec.PixelsAvailable = q
	rec.LastRefill = now
	return true
}
