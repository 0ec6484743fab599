package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
)

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Expired          int   `json:"expired"`
	Expiring         int   `json:"expiring"`
	Purged           int64 `json:"purged"`
	PersistedOrphans int   `json:"persisted_orphans"`
	PrunedTombstones int   `json:"pruned_tombstones"`
}

// SweepExpired drops expired sessions from memory and persistence and flags
// sessions about to expire that no background refresh will rescue.
func (m *SessionManager) SweepExpired(ctx context.Context) (SweepResult, error) {
	ctx, span := observability.StartSpan(ctx, "session.sweep")
	res, err := m.sweep(ctx)
	observability.EndSpan(span, err)
	return res, err
}

func (m *SessionManager) sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)
	now := m.now()
	registry := m.refreshRegistry()

	for _, rec := range m.store.All() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s := rec.Snapshot()
		switch {
		case s.State == domain.SessionStateRevoked:
			m.store.RemoveRevoked(rec, s.AbsoluteExpiry(m.opts.MaxSessionDuration))
		case s.IsExpiredAt(now):
			m.markExpired(ctx, rec, "sweep")
			if m.persistenceEnabled() {
				if _, err := m.adapter.Remove(ctx, s.ID); err != nil {
					errs = append(errs, fmt.Errorf("remove expired session %s: %w", s.ID, err))
					continue
				}
			}
			m.store.RemoveRecord(rec)
			res.Expired++
		case s.State == domain.SessionStateActive && m.opts.ExpiryWarning > 0 && s.ExpiresAt.Sub(now) <= m.opts.ExpiryWarning:
			if registry != nil && registry.IsRegistered(s.ID) {
				continue
			}
			flagged := false
			_, _ = rec.Mutate(func(cur *domain.Session) error {
				if cur.State != domain.SessionStateActive {
					return nil
				}
				cur.State = domain.SessionStateExpiring
				flagged = true
				return nil
			})
			if !flagged {
				continue
			}
			res.Expiring++
			m.publish(ctx, domain.Event{
				Type:            domain.EventSessionExpiring,
				SessionID:       s.ID,
				UserID:          s.UserID,
				NewExpiresAt:    timePtr(s.ExpiresAt),
				ElapsedFraction: s.LifetimeElapsed(now),
				TimeToExpiry:    s.ExpiresAt.Sub(now),
			})
		}
	}

	res.PrunedTombstones = m.store.PruneRevoked(now)

	if m.persistenceEnabled() {
		purged, err := m.adapter.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge expired credentials: %w", err))
		}
		res.Purged = purged

		ids, err := m.adapter.SessionIDs(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, id := range ids {
			if _, ok := m.store.Get(id); !ok {
				res.PersistedOrphans++
			}
		}
	}

	if res.Expired > 0 || res.Expiring > 0 || res.Purged > 0 {
		m.logger.Info("session sweep completed",
			"expired", res.Expired,
			"expiring", res.Expiring,
			"purged", res.Purged,
			"persisted_orphans", res.PersistedOrphans,
		)
	}
	return res, errors.Join(errs...)
}
