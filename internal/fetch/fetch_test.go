package fetch

import "testing"

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain title untouched", "My Song", "My Song"},
		{"special characters replaced", "Søng: live! (2024)", "S_ng_ live_ _2024_"},
		{"keeps dashes and underscores", "a-b_c 1", "a-b_c 1"},
		{"empty falls back", "", "Unknown Title"},
		{"whitespace falls back", "   ", "Unknown Title"},
		{"specials collapse to one underscore", "???", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeTitle(tt.title); got != tt.want {
				t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}
