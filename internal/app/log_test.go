package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestYardHandlerHandle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "repo pushed",
			want:    "2024-06-15T14:30:45Z\tINFO\top-123\trepo pushed\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelWarn,
			message: "name mismatch",
			attrs:   []slog.Attr{slog.String("repo", "x__y"), slog.Int("parts", 2)},
			want:    "2024-06-15T14:30:45Z\tWARN\top-789\tname mismatch\trepo=x__y\tparts=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &yardHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestYardHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &yardHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*yardHandler)
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if !strings.Contains(got, "a=1") || !strings.Contains(got, "b=2") {
		t.Errorf("pre-set attrs missing: %q", got)
	}
}

func TestNewLoggerCreatesLogDir(t *testing.T) {
	dir := t.TempDir() + "/log"
	logger, closer, err := newLogger(dir, "test-op")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
}
