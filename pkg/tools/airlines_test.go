package tools

import "testing"

func TestNormalizeAirline(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"DELTA", "Delta Air Lines"},
		{"  united  ", "United Airlines"},
		{"Flight by UAL Express", "United Airlines"},
		{"Some Unknown Carrier", "Some Unknown Carrier"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeAirline(c.in); got != c.want {
			t.Errorf("NormalizeAirline(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
