package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/config"
	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/notify"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

// GlobalLeaver removes an account from every global room.
type GlobalLeaver interface {
	LeaveAllGlobal(ctx context.Context, accountID string) ([]string, error)
}

// PresenceTracker records account activity and logs out accounts that have
// been idle past the configured threshold.
type PresenceTracker struct {
	store    store.PresenceStore
	rooms    GlobalLeaver
	live     *config.Live
	notifier notify.Notifier
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewPresenceTracker creates a PresenceTracker.
func NewPresenceTracker(ps store.PresenceStore, rooms GlobalLeaver, live *config.Live, n notify.Notifier, clk clock.Clock, logger zerolog.Logger) *PresenceTracker {
	if n == nil {
		n = notify.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PresenceTracker{
		store:    ps,
		rooms:    rooms,
		live:     live,
		notifier: n,
		clock:    clk,
		logger:   logger,
	}
}

// Track marks accountID as active now. It never fails the caller.
func (p *PresenceTracker) Track(ctx context.Context, accountID string) {
	if accountID == "" {
		p.logger.Debug().Msg("presence track without account id ignored")
		return
	}
	if err := p.store.Touch(ctx, accountID, p.clock.Now()); err != nil {
		p.logger.Warn().Err(err).Str("account", accountID).Msg("failed to record presence")
	}
}

// Sweep logs out every account last seen at or before now minus the idle
// threshold: it leaves all of its global rooms and stops being tracked. An
// account whose rooms could not be left stays tracked for the next pass.
func (p *PresenceTracker) Sweep(ctx context.Context) error {
	cutoff := p.clock.Now().Add(-p.live.PresenceThreshold())
	limit := p.live.BatchSize()

	var evicted int
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := p.store.Idle(ctx, cutoff, limit)
		if err != nil {
			return fmt.Errorf("list idle accounts: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		done := make([]string, 0, len(batch))
		for _, rec := range batch {
			left, err := p.rooms.LeaveAllGlobal(ctx, rec.AccountID)
			if err != nil {
				p.logger.Warn().Err(err).Str("account", rec.AccountID).Msg("failed to log out idle account")
				errs = append(errs, err)
				continue
			}
			p.logger.Debug().
				Str("account", rec.AccountID).
				Time("last_seen", rec.LastSeen).
				Strs("rooms", left).
				Msg("idle account logged out")
			done = append(done, rec.AccountID)
		}

		if len(done) > 0 {
			if err := p.store.Forget(ctx, done...); err != nil {
				return fmt.Errorf("forget idle accounts: %w", err)
			}
			evicted += len(done)
			metrics.PresenceEvictions.Add(float64(len(done)))
			p.notifier.AccountsLoggedOut(done)
		}
		// A short page is the last one; a page of only failures would repeat forever.
		if len(batch) < limit || len(done) == 0 {
			break
		}
	}

	if n, err := p.store.Count(ctx); err == nil {
		metrics.TrackedAccounts.Set(float64(n))
	}
	if evicted > 0 {
		p.logger.Info().Int("accounts", evicted).Time("cutoff", cutoff).Msg("presence sweep logged out idle accounts")
	}
	return errors.Join(errs...)
}

// Job schedules Sweep every configured presence interval.
func (p *PresenceTracker) Job() Job {
	return Job{Name: "presence", Interval: p.live.PresenceInterval, Run: p.Sweep}
}
