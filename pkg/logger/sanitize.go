package logger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// maskingHandler replaces the values of configured attribute keys with a
// digest form before the record reaches the underlying handler. Security logs
// must stay reconstructable (length and digest survive) without echoing raw
// user content.
type maskingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

func newMaskingHandler(inner slog.Handler, keys []string) slog.Handler {
	if len(keys) == 0 {
		return inner
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(strings.ToLower(key))
		if key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return inner
	}
	return &maskingHandler{inner: inner, keys: set}
}

func (h *maskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *maskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *maskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		maskedAttrs = append(maskedAttrs, h.maskAttr(attr))
	}
	return &maskingHandler{inner: h.inner.WithAttrs(maskedAttrs), keys: h.keys}
}

func (h *maskingHandler) WithGroup(name string) slog.Handler {
	return &maskingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *maskingHandler) maskAttr(attr slog.Attr) slog.Attr {
	if _, ok := h.keys[strings.ToLower(attr.Key)]; !ok {
		return attr
	}
	return slog.String(attr.Key, MaskText(attr.Value.String()))
}

// MaskText returns a non-reversible representation of sensitive text: rune
// count plus a short SHA-256 digest. Masking an already masked value yields
// the same shape, so double application is harmless.
func MaskText(value string) string {
	if value == "" {
		return "masked:len=0"
	}
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("masked:len=%d:sha=%s", utf8.RuneCountInString(value), hex.EncodeToString(sum[:4]))
}
