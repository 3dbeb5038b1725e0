package x402

import "testing"

func TestToHuman(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"5000000", "5.00"},
		{"10000000", "10.00"},
		{"2000000", "2.00"},
		{"1", "0.00"},
		{"10000", "0.01"},
		{"1234999", "1.23"},
		{"1235000", "1.24"},
		{"0", "0.00"},
	}
	for _, c := range cases {
		got, err := ToHuman(c.raw)
		if err != nil {
			t.Fatalf("ToHuman(%q): %v", c.raw, err)
		}
		if got != c.want {
			t.Errorf("ToHuman(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestToHumanRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "abc", "-5", "1.5"} {
		if _, err := ToHuman(raw); err == nil {
			t.Errorf("ToHuman(%q) accepted invalid input", raw)
		}
	}
}

func TestToRaw(t *testing.T) {
	cases := []struct {
		human string
		want  string
	}{
		{"5.00", "5000000"},
		{"5", "5000000"},
		{"0.01", "10000"},
		{"2.50", "2500000"},
		{"0.000001", "1"},
	}
	for _, c := range cases {
		got, err := ToRaw(c.human)
		if err != nil {
			t.Fatalf("ToRaw(%q): %v", c.human, err)
		}
		if got != c.want {
			t.Errorf("ToRaw(%q) = %q, want %q", c.human, got, c.want)
		}
	}
}

// Challenge amounts survive the human round-trip: whenever ToHuman
// produces an exact two-decimal representation, converting back yields
// the original raw amount.
func TestAmountRoundTrip(t *testing.T) {
	for _, raw := range []string{"5000000", "10000000", "2000000", "250000", "10000"} {
		human, err := ToHuman(raw)
		if err != nil {
			t.Fatalf("ToHuman(%q): %v", raw, err)
		}
		back, err := ToRaw(human)
		if err != nil {
			t.Fatalf("ToRaw(%q): %v", human, err)
		}
		if back != raw {
			t.Errorf("round trip %s -> %s -> %s", raw, human, back)
		}
	}
}
