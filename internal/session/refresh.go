package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/metrics"
)

var errRefreshExpired = errors.New("refresh token expired")

// Refresh renews the session's access token. Concurrent calls for one
// session share a single provider round trip. A failed renewal logs the
// session out.
func (m *Manager) Refresh(ctx context.Context, sid string) (core.Session, error) {
	v, err, _ := m.group.Do(sid, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RequestTimeout)
		defer cancel()

		unlock := m.locks.Lock(sid)
		defer unlock()
		return m.refreshLocked(rctx, sid)
	})
	if err != nil {
		return core.Anonymous(), err
	}
	return v.(core.Session), nil
}

func (m *Manager) refreshLocked(ctx context.Context, sid string) (core.Session, error) {
	rec, err := m.opts.Store.GetSession(ctx, sid)
	if err != nil {
		m.cancelRefresh(sid)
		return core.Anonymous(), err
	}
	if rec.Tokens.AccessToken == "" {
		m.cancelRefresh(sid)
		return core.Anonymous(), ErrNotFound
	}

	if !rec.Tokens.Refreshable(m.now()) {
		m.expire(ctx, rec, errRefreshExpired)
		return core.Anonymous(), errRefreshExpired
	}

	tokens, err := m.opts.Provider.Refresh(ctx, rec.Tokens.RefreshToken)
	if err != nil {
		m.expire(ctx, rec, err)
		return core.Anonymous(), fmt.Errorf("refresh token: %w", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = rec.Tokens.RefreshToken
		tokens.RefreshExpiry = rec.Tokens.RefreshExpiry
	}

	m.opts.Profiles.Delete(tokenKey(rec.Tokens.AccessToken))
	rec.Tokens = tokens
	rec.UpdatedAt = m.now()
	if err := m.opts.Store.SaveSession(ctx, rec); err != nil {
		return core.Anonymous(), fmt.Errorf("save session: %w", err)
	}
	m.schedule(sid, tokens.Expiry)

	metrics.RecordRefresh(metrics.OutcomeSuccess)
	m.logger.DebugContext(ctx, "Access token renewed", log.FieldOperation, log.OpRefresh, log.FieldSessionRef, m.ref(sid), "expiry", tokens.Expiry)
	return rec.Snapshot(), nil
}

// expire force-logs-out a session whose tokens could not be renewed.
func (m *Manager) expire(ctx context.Context, rec Record, cause error) {
	metrics.RecordRefresh(metrics.OutcomeFailure)
	m.logger.WarnContext(ctx, "Token renewal failed, logging session out",
		log.FieldOperation, log.OpRefresh, log.FieldSessionRef, m.ref(rec.ID), log.FieldError, cause)
	m.publish(ctx, core.EventRefreshFailed, rec, rec.Provider)
	m.drop(ctx, rec)
}

// refreshDelay is the wait before renewing a token that expires at expiry:
// a leeway before expiry, but never less than half the remaining lifetime
// or MinRefreshDelay.
func (m *Manager) refreshDelay(expiry time.Time) time.Duration {
	lifetime := expiry.Sub(m.now())
	floor := max(lifetime/2, m.opts.MinRefreshDelay)
	return max(lifetime-m.opts.RefreshLeeway, floor)
}

// schedule arms the renewal of sid's access token.
func (m *Manager) schedule(sid string, expiry time.Time) {
	if expiry.IsZero() {
		return
	}
	delay := m.refreshDelay(expiry)

	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[sid]; ok {
		t.Stop()
	}
	m.timers[sid] = time.AfterFunc(delay, func() { m.onRefreshTimer(sid) })
	metrics.SetActiveSessions(len(m.timers))
}

// ensureScheduled arms a renewal only when none is pending, as after a restart.
func (m *Manager) ensureScheduled(sid string, expiry time.Time) {
	m.timersMu.Lock()
	_, ok := m.timers[sid]
	m.timersMu.Unlock()
	if !ok {
		m.schedule(sid, expiry)
	}
}

func (m *Manager) cancelRefresh(sid string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[sid]; ok {
		t.Stop()
		delete(m.timers, sid)
		metrics.SetActiveSessions(len(m.timers))
	}
}

// onRefreshTimer renews the token of a session in use. A session no browser
// has touched for IdleTimeout is left alone; Initialize renews and re-arms
// it when the browser comes back.
func (m *Manager) onRefreshTimer(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	if since, idle := m.idleFor(ctx, sid); idle {
		m.logger.DebugContext(ctx, "Renewal paused for idle session",
			log.FieldOperation, log.OpRefresh, log.FieldSessionRef, m.ref(sid), "idle", since)
		return
	}
	if _, err := m.Refresh(ctx, sid); err != nil {
		m.logger.DebugContext(ctx, "Scheduled renewal ended session", log.FieldSessionRef, m.ref(sid), log.FieldError, err)
	}
}

// idleFor disarms the renewal of sid when it has been idle too long.
func (m *Manager) idleFor(ctx context.Context, sid string) (time.Duration, bool) {
	unlock := m.locks.Lock(sid)
	defer unlock()

	rec, err := m.opts.Store.GetSession(ctx, sid)
	if err != nil {
		return 0, false
	}
	since := m.now().Sub(rec.LastActive())
	if since <= m.opts.IdleTimeout {
		return since, false
	}
	m.cancelRefresh(sid)
	return since, true
}

// pendingRefreshes reports how many renewals are armed.
func (m *Manager) pendingRefreshes() int {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	return len(m.timers)
}
