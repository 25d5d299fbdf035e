package notify

import (
	"errors"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		cc   string
		want string
	}{
		{"9876543210", "", "919876543210"},
		{"+91 98765 43210", "", "919876543210"},
		{"00919876543210", "", "919876543210"},
		{"09876543210", "", "919876543210"},
		{"(987) 654-3210", "91", "919876543210"},
		{"９８７６５４３２１０", "91", "919876543210"},
		{"+1 415 555 2671", "91", "14155552671"},
		{"447911123456", "91", "447911123456"},
		{"7911123456", "44", "447911123456"},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.raw, tt.cc)
		if err != nil {
			t.Errorf("NormalizePhone(%q) error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizePhoneInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "abc", "12345", "+0123456789", "+1234567890123456"} {
		if got, err := NormalizePhone(raw, "91"); !errors.Is(err, ErrInvalidPhone) {
			t.Errorf("NormalizePhone(%q) = %q, %v; want ErrInvalidPhone", raw, got, err)
		}
	}
}
