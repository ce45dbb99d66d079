package monitor

import "testing"

func TestParseFreq(t *testing.T) {
	tests := []struct {
		in      string
		want    Freq
		wantErr bool
	}{
		{"10/60", Freq{Count: 10, Period: 60}, false},
		{" 5 / 1 ", Freq{Count: 5, Period: 1}, false},
		{"0/5", Freq{Count: 0, Period: 5}, false},
		{"5/0", Freq{}, true},
		{"5", Freq{}, true},
		{"a/5", Freq{}, true},
		{"5/b", Freq{}, true},
	}

	for _, tt := range tests {
		got, err := ParseFreq(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFreq(%q): expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFreq(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFreq(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFreqString(t *testing.T) {
	f := Freq{Count: 3, Period: 7}
	if got, want := f.String(), "3/7"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
