package adapter

import (
	"strings"
	"testing"

	kit "mediabot/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		wantParts int
	}{
		{"short", "hello", 10, "", 1},
		{"exact", strings.Repeat("a", 10), 10, "", 1},
		{"hard split", strings.Repeat("a", 25), 10, "", 3},
		{"newline split", strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), 10, "", 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tt.in, tt.limit, tt.parseMode)
			if len(got) != tt.wantParts {
				t.Fatalf("parts=%d (%q), want %d", len(got), got, tt.wantParts)
			}
			for _, p := range got {
				if len([]rune(p)) > tt.limit {
					t.Fatalf("chunk too long: %q", p)
				}
			}
		})
	}
}

func TestSplitTelegramTextKeepsHTMLTags(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitTelegramText(in, 10, "HTML")
	if len(got) < 2 {
		t.Fatalf("expected split, got %q", got)
	}
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("first chunk=%q, want tag moved to next chunk", got[0])
	}
}

func TestMediaFileOrder(t *testing.T) {
	t.Parallel()

	f, err := mediaFile(kit.Media{FileID: "abc", URL: "https://x", Path: "/tmp/x"})
	if err != nil || f.FileID != "abc" {
		t.Fatalf("file id should win, got %+v err=%v", f, err)
	}
	f, err = mediaFile(kit.Media{URL: "https://x", Path: "/tmp/x"})
	if err != nil || f.FileURL != "https://x" {
		t.Fatalf("url should win over path, got %+v err=%v", f, err)
	}
	if _, err := mediaFile(kit.Media{}); err == nil {
		t.Fatalf("expected error for empty media")
	}
}

func TestMarkup(t *testing.T) {
	t.Parallel()

	if markup(nil) != nil {
		t.Fatalf("nil options should produce no markup")
	}
	rm := markup(&kit.SendOptions{Buttons: [][]kit.Button{{{Text: "Bonus", Data: "bonus:claim"}}}})
	if rm == nil || len(rm.InlineKeyboard) != 1 || rm.InlineKeyboard[0][0].Data != "bonus:claim" {
		t.Fatalf("unexpected markup %+v", rm)
	}
}
