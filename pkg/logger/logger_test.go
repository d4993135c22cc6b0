package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("coordinator", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	ctx = ContextWithTxID(ctx, "tx-456")

	log.WithContext(ctx).Info("prepare phase started")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "coordinator" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["traceID"] != "trace-123" {
		t.Fatalf("expected traceID to be injected, got %v", payload["traceID"])
	}
	if payload["txID"] != "tx-456" {
		t.Fatalf("expected txID to be injected, got %v", payload["txID"])
	}
}

func TestWithTx(t *testing.T) {
	var buf bytes.Buffer
	log := New("coordinator", &buf)

	log.WithTx("tx-789").Warn("participant vote missing")

	payload := decodeLastLogLine(t, &buf)
	if payload["txID"] != "tx-789" {
		t.Fatalf("expected txID field, got %v", payload["txID"])
	}
	if payload["level"] != "warn" {
		t.Fatalf("expected warn level, got %v", payload["level"])
	}
}

func TestWithErrorAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("coordinator", &buf)

	log.WithError(errors.New("connection refused")).Errorf("phase 2 delivery failed", map[string]interface{}{
		"resource": "orders-db",
		"attempt":  3,
	})

	payload := decodeLastLogLine(t, &buf)
	if payload["error"] != "connection refused" {
		t.Fatalf("expected error field, got %v", payload["error"])
	}
	if payload["resource"] != "orders-db" {
		t.Fatalf("expected resource field, got %v", payload["resource"])
	}
	if payload["attempt"].(float64) != 3 {
		t.Fatalf("expected attempt field, got %v", payload["attempt"])
	}
}
