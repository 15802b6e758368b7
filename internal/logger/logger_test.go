package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// syncBuffer guards a bytes.Buffer shared with the flusher goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestLogger_FlushesOnClose(t *testing.T) {
	out := &syncBuffer{}
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(out, nil)))
	if err != nil {
		t.Fatal(err)
	}

	id := uuid.New()
	l.Log(RequestLog{ID: id, UserID: "u1", Provider: "groq", Model: "m", Tokens: 12, Success: true, Stream: true})
	l.Log(RequestLog{ID: uuid.New(), Provider: "gemini", Custom: true})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if l.Flushed() != 2 {
		t.Fatalf("flushed = %d, want 2", l.Flushed())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["msg"] != "chat_completed" || first["id"] != id.String() || first["user_id"] != "u1" {
		t.Errorf("unexpected entry: %v", first)
	}
	if first["stream"] != true || first["tokens"] != float64(12) {
		t.Errorf("unexpected fields: %v", first)
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	l := &Logger{ch: make(chan RequestLog, 1)}
	l.Log(RequestLog{})
	l.Log(RequestLog{})
	l.Log(RequestLog{})
	if l.DroppedLogs() != 2 {
		t.Fatalf("dropped = %d, want 2", l.DroppedLogs())
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	l, _ := New(context.Background(), slog.New(slog.NewJSONHandler(&syncBuffer{}, nil)))
	_ = l.Close()
	_ = l.Close()
}
