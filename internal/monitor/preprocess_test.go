package monitor

import "testing"

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		line     string
		captures []string
		want     string
	}{
		{
			name:     "whole match and line",
			action:   "echo $0 $@",
			line:     "ping ok",
			captures: []string{"ping"},
			want:     "echo ping ping ok",
		},
		{
			name:     "numbered capture",
			action:   "notify-user $1",
			line:     "failed login for alice",
			captures: []string{"failed login for alice", "alice"},
			want:     "notify-user alice",
		},
		{
			name:     "missing capture group expands to a single space",
			action:   "echo [$2]",
			line:     "x",
			captures: []string{"x"},
			want:     "echo [ ]",
		},
		{
			name:   "multi-digit capture reference",
			action: "echo $10 $11",
			line:   "abcdefghijk",
			captures: []string{
				"abcdefghijk",
				"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k",
			},
			want: "echo j k",
		},
		{
			name:     "multi-digit reference past the capture count is one space",
			action:   "echo [$12]",
			line:     "x",
			captures: []string{"x", "a"},
			want:     "echo [ ]",
		},
		{
			name:     "escaped dollar is literal and not re-scanned",
			action:   "echo \\$1",
			line:     "anything",
			captures: []string{"anything", "should-not-appear"},
			want:     "echo $1",
		},
		{
			name:     "dollar not followed by digit or at is passed through",
			action:   "cost: $ $x",
			line:     "l",
			captures: []string{"l"},
			want:     "cost: $ $x",
		},
		{
			name:     "trailing dollar at end of string",
			action:   "tail$",
			line:     "l",
			captures: []string{"l"},
			want:     "tail$",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Preprocess(tt.action, tt.line, tt.captures)
			if got != tt.want {
				t.Errorf("Preprocess(%q, %q, %v) = %q, want %q", tt.action, tt.line, tt.captures, got, tt.want)
			}
		})
	}
}

func TestPreprocessSingleScanNoDoubleExpansion(t *testing.T) {
	// A capture that itself contains "$1" must not be re-substituted.
	got := Preprocess("run $1", "line", []string{"line", "$1"})
	if want := "run $1"; got != want {
		t.Fatalf("Preprocess re-expanded substituted text: got %q, want %q", got, want)
	}
}
