package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return New(&buf, "debug"), &buf
}

func TestRedactTopLevelAttr(t *testing.T) {
	log, buf := capture(t)
	log.Info(context.Background(), "login", "userId", "u1", "password", "hunter2")
	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked: %s", out)
	}
	if !strings.Contains(out, Redacted) {
		t.Fatalf("expected redaction marker: %s", out)
	}
	if !strings.Contains(out, "u1") {
		t.Fatalf("non-sensitive value dropped: %s", out)
	}
}

func TestRedactNestedMapAndGroup(t *testing.T) {
	log, buf := capture(t)
	meta := map[string]any{
		"deliveryId": "d1",
		"details":    map[string]any{"latitude": -1.28, "zone": "z9"},
	}
	log.Info(context.Background(), "update", "meta", meta, slog.Group("req", slog.String("apiKey", "k-123")))
	out := buf.String()
	if strings.Contains(out, "-1.28") {
		t.Fatalf("latitude leaked: %s", out)
	}
	if strings.Contains(out, "k-123") {
		t.Fatalf("apiKey leaked in group: %s", out)
	}
	if !strings.Contains(out, "z9") {
		t.Fatalf("zone dropped: %s", out)
	}
}

func TestRedactWithAttrs(t *testing.T) {
	log, buf := capture(t)
	child := log.With("token", "tok-abc")
	child.Warn(context.Background(), "slow request")
	if strings.Contains(buf.String(), "tok-abc") {
		t.Fatalf("token leaked via With: %s", buf.String())
	}
}

func TestScrubMessage(t *testing.T) {
	cases := map[string]string{
		"connect failed password=swordfish retrying": "swordfish",
		`bad payload {"jwt_secret": "abc123"}`:        "abc123",
		"fix at latitude=-1.2921 ignored":             "-1.2921",
	}
	for msg, leaked := range cases {
		got := ScrubMessage(msg)
		if strings.Contains(got, leaked) {
			t.Fatalf("ScrubMessage(%q) leaked %q: %q", msg, leaked, got)
		}
	}
	if got := ScrubMessage("plain message, nothing sensitive"); got != "plain message, nothing sensitive" {
		t.Fatalf("clean message altered: %q", got)
	}
}

func TestRedactedOutputStaysValidJSON(t *testing.T) {
	log, buf := capture(t)
	log.Error(context.Background(), "cipher failure", "encryption_key_raw", "deadbeef", "op", "open")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output not JSON: %v (%s)", err, buf.String())
	}
	if line["encryption_key_raw"] != Redacted {
		t.Fatalf("raw key leaked: %v", line["encryption_key_raw"])
	}
}
