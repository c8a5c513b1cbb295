package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/chatpilot/internal/types"
)

// StatsReport logs the engine counters and hands a one-line summary to
// deliver, which may be nil.
func StatsReport(schedule string, stats func() types.Stats, deliver func(summary string)) Job {
	return Job{
		Name:     "stats_report",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			s := stats()
			slog.Info("stats report", "running", s.Running, "processed", s.ProcessedCount,
				"dropped", s.DroppedCount, "queue_depth", s.QueueDepth,
				"active_conversations", s.ActiveConversations)
			if deliver != nil {
				deliver(FormatStats(s))
			}
		},
	}
}

// FormatStats renders s for operators.
func FormatStats(s types.Stats) string {
	state := "stopped"
	if s.Running {
		state = "running"
	}
	out := fmt.Sprintf("Bot %s. Replies sent: %d, dropped: %d, queued: %d, active conversations: %d.",
		state, s.ProcessedCount, s.DroppedCount, s.QueueDepth, s.ActiveConversations)
	if s.ReadTransport != "" || s.SendTransport != "" {
		out += fmt.Sprintf(" Reading via %s, sending via %s.", orDash(s.ReadTransport), orDash(s.SendTransport))
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// TokenWatch warns when stale reports the session close to expiry and
// tries refresh, which may be nil.
func TokenWatch(schedule string, sess *types.Session, stale func(*types.Session) bool, now func() time.Time, refresh func(ctx context.Context) error) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:     "token_watch",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			if sess.AccessToken() == "" {
				return
			}
			if !stale(sess) {
				slog.Debug("token valid", "expires_at", sess.ExpiresAt())
				return
			}
			if sess.Valid(now()) {
				slog.Warn("session token close to expiry",
					"remaining", sess.ExpiresAt().Sub(now()).Round(time.Second), "expires_at", sess.ExpiresAt())
			} else {
				slog.Warn("session token expired", "expired_at", sess.ExpiresAt())
			}
			if refresh == nil {
				return
			}
			if err := refresh(ctx); err != nil {
				slog.Error("token refresh failed, run login again", "error", err)
				return
			}
			slog.Info("session token refreshed", "expires_at", sess.ExpiresAt())
		},
	}
}
