package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var (
	processSalt = randomSalt()

	// Node and peer identifiers are stable across sessions and must not
	// appear in plaintext logs; they are replaced with a salted
	// fingerprint that stays correlatable within one process lifetime.
	fingerprintKeys = map[string]struct{}{
		"node_id":        {},
		"peer_id":        {},
		"sender_id":      {},
		"recipient_id":   {},
		"origin_node":    {},
		"session_id":     {},
		"participant_id": {},
		"item_id":        {},
		"data_id":        {},
	}

	secretKeyParts = []string{"token", "secret", "password", "passphrase", "mnemonic", "seed", "authorization", "auth"}
)

// Handler wraps another slog.Handler and sanitizes every attribute
// before it reaches the sink.
type Handler struct {
	next slog.Handler
}

func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts secret-bearing attributes and fingerprints
// identifier attributes; everything else passes through unchanged.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	if isSecretKey(lowerKey) {
		return slog.String(key, redacted)
	}
	if isFingerprintKey(lowerKey) {
		return slog.String(fingerprintKeyName(key), Fingerprint(valueToString(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Any(key, sanitizeGroupValue(attr.Value.Group()))
	}
	return attr
}

// SanitizeArgs sanitizes a variadic slog key/value argument list.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		lowerKey := strings.ToLower(strings.TrimSpace(key))
		switch {
		case isSecretKey(lowerKey):
			out = append(out, key, redacted)
		case isFingerprintKey(lowerKey):
			out = append(out, fingerprintKeyName(key), Fingerprint(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// Fingerprint maps an identifier to a short salted digest. The salt is
// regenerated at process start, so fingerprints are stable within one
// run but cannot be joined across runs.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + processSalt))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func sanitizeGroupValue(attrs []slog.Attr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, attr := range sanitizeAttrs(attrs) {
		switch attr.Value.Kind() {
		case slog.KindString:
			out[attr.Key] = attr.Value.String()
		case slog.KindInt64:
			out[attr.Key] = attr.Value.Int64()
		case slog.KindUint64:
			out[attr.Key] = attr.Value.Uint64()
		case slog.KindFloat64:
			out[attr.Key] = attr.Value.Float64()
		case slog.KindBool:
			out[attr.Key] = attr.Value.Bool()
		case slog.KindDuration:
			out[attr.Key] = attr.Value.Duration().String()
		case slog.KindTime:
			out[attr.Key] = attr.Value.Time().UTC().Format("2006-01-02T15:04:05.000000000Z")
		default:
			out[attr.Key] = attr.Value.Any()
		}
	}
	return out
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case slog.KindFloat64:
		return fmt.Sprintf("%g", v.Float64())
	case slog.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format("2006-01-02T15:04:05.000000000Z")
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_salt"
	}
	return hex.EncodeToString(buf)
}
