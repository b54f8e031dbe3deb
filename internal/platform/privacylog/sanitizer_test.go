package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsIdentifiers(t *testing.T) {
	args := SanitizeArgs(
		"peer_id", "dm1QmYwAPJzv4CZsNy",
		"item_id", "notes/todo.txt",
		"status", "synced",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "peer_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "status" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizeArgsRedactsSecrets(t *testing.T) {
	args := SanitizeArgs(
		"mnemonic", "abandon abandon abandon",
		"access_token", "eyJhbGciOi",
	)
	if got := args[1]; got != redacted {
		t.Fatalf("mnemonic not redacted: %v", got)
	}
	if got := args[3]; got != redacted {
		t.Fatalf("token not redacted: %v", got)
	}
}

func TestHandlerSanitizesRecordAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(Wrap(base))
	logger.Info("test", "node_id", "dm1abc", "channel_secret", "hush", "status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["node_id"]; ok {
		t.Fatal("node_id should not be present")
	}
	if _, ok := payload["node_id_fp"]; !ok {
		t.Fatal("node_id_fp should be present")
	}
	if got, _ := payload["channel_secret"].(string); got != redacted {
		t.Fatalf("expected redacted secret, got %q", got)
	}
	if got, _ := payload["status"].(string); got != "ok" {
		t.Fatalf("plain attribute should pass through, got %q", got)
	}
}

func TestHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := Wrap(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("session_id", "s1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "session_id_fp") {
		t.Fatalf("expected sanitized session_id key, got %s", buf.String())
	}
}

func TestFingerprintStableWithinProcess(t *testing.T) {
	a := Fingerprint("dm1alice")
	b := Fingerprint("dm1alice")
	if a == "" || a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if a == Fingerprint("dm1bob") {
		t.Fatal("distinct identifiers should not collide")
	}
	if Fingerprint("   ") != "" {
		t.Fatal("blank value should fingerprint to empty string")
	}
}
