package logx

import (
	"strings"
	"testing"
)

func TestFormatOperatorLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2026-01-02T03:04:05Z","message":"task.failed","task":"tsk-1","comp":"queue"}` + "\n")
	got := formatOperatorLine(line)
	want := "[WARN] task.failed\n- comp=queue\n- task=tsk-1"
	if got != want {
		t.Fatalf("formatOperatorLine = %q, want %q", got, want)
	}
}

func TestFormatOperatorLineNotJSON(t *testing.T) {
	t.Parallel()
	got := formatOperatorLine([]byte("  plain text\n"))
	if got != "plain text" {
		t.Fatalf("formatOperatorLine = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 50)
	if got := truncate(long, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.With(String("k", "v")).Info("hello", Int("n", 1))
}
