package logstream

import (
	"context"
	"log/slog"
	"time"
)

// Handler writes through to an inner slog.Handler and tees every record
// into a Hub.
type Handler struct {
	inner  slog.Handler
	hub    *Hub
	attrs  []slog.Attr
	groups []string
}

func NewHandler(inner slog.Handler, hub *Hub) *Handler {
	return &Handler{inner: inner, hub: hub}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner.Enabled(ctx, level) {
		return true
	}
	lowest, ok := h.hub.MinLevel()
	return ok && level >= lowest
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}

	rec := Record{Time: r.Time, Level: r.Level, Message: r.Message}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if n := len(h.attrs) + r.NumAttrs(); n > 0 {
		rec.Attrs = make(map[string]any, n)
		for _, a := range h.attrs {
			addAttr(rec.Attrs, nil, a)
		}
		r.Attrs(func(a slog.Attr) bool {
			addAttr(rec.Attrs, h.groups, a)
			return true
		})
	}
	h.hub.Publish(ctx, rec)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.inner = h.inner.WithAttrs(attrs)
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), qualify(h.groups, attrs)...)
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.inner = h.inner.WithGroup(name)
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

// qualify prefixes pre-bound attrs with the groups open at binding time, so
// later groups do not apply to them.
func qualify(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(groups) == 0 {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: joinKey(groups, a.Key), Value: a.Value}
	}
	return out
}

func joinKey(groups []string, key string) string {
	for i := len(groups) - 1; i >= 0; i-- {
		key = groups[i] + "." + key
	}
	return key
}

func addAttr(m map[string]any, groups []string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			if a.Key != "" {
				ga.Key = a.Key + "." + ga.Key
			}
			addAttr(m, groups, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	var val any
	switch v.Kind() {
	case slog.KindDuration:
		val = v.Duration().String()
	case slog.KindTime:
		val = v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			val = err.Error()
		} else {
			val = v.Any()
		}
	default:
		val = v.Any()
	}
	m[joinKey(groups, a.Key)] = val
}
