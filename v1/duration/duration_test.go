package duration

import (
	"errors"
	"testing"
	"time"
)

func TestParsePassthrough(t *testing.T) {
	d, set, err := Parse(5000)
	if err != nil || !set || d != 5*time.Second {
		t.Fatalf("parse 5000: %v set %v d %v", err, set, d)
	}
	d, set, err = Parse(30 * time.Second)
	if err != nil || !set || d != 30*time.Second {
		t.Fatalf("parse duration: %v set %v d %v", err, set, d)
	}
}

func TestParseUnset(t *testing.T) {
	d, set, err := Parse(nil)
	if err != nil || set || d != 0 {
		t.Fatalf("parse nil: %v set %v d %v", err, set, d)
	}
}

func TestParseZeroIsSet(t *testing.T) {
	_, set, err := Parse(0)
	if err != nil || !set {
		t.Fatalf("explicit zero must count as set, err %v set %v", err, set)
	}
}

func TestParseStrings(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"2 minutes", 2 * time.Minute},
		{"2minutes", 2 * time.Minute},
		{"500ms", 500 * time.Millisecond},
		{"250", 250 * time.Millisecond},
		{"1.5 hours", 90 * time.Minute},
		{"1 day", 24 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"10 s", 10 * time.Second},
	}
	for _, c := range cases {
		d, set, err := Parse(c.in)
		if err != nil {
			t.Fatalf("parse %q: %v", c.in, err)
		}
		if !set || d != c.want {
			t.Fatalf("parse %q: got %v want %v", c.in, d, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"not-a-duration", "five minutes", "2 fortnights", ""} {
		if _, _, err := Parse(in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("parse %q: want ErrInvalid, got %v", in, err)
		}
	}
	if _, _, err := Parse(struct{}{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unsupported type: want ErrInvalid, got %v", err)
	}
}
