package address

import (
	"errors"
	"testing"

	"github.com/atmx/stream-market/internal/model"
)

func TestParse_Valid(t *testing.T) {
	got, err := Parse("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed" {
		t.Errorf("expected lowercase address, got %s", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"0x123",
		"5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed00",
	}
	for _, in := range tests {
		_, err := Parse(in)
		if !errors.Is(err, model.ErrValidation) {
			t.Errorf("Parse(%q): expected ErrValidation, got %v", in, err)
		}
	}
}

func TestEqual(t *testing.T) {
	a := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	b := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	if !Equal(a, b) {
		t.Error("addresses differing only in case should be equal")
	}
	if Equal("", "") {
		t.Error("empty addresses should never be equal")
	}
	if Equal(a, "0x0000000000000000000000000000000000000001") {
		t.Error("different addresses should not be equal")
	}
}

func TestShort(t *testing.T) {
	if got := Short("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"); got != "0x5aae…eaed" {
		t.Errorf("unexpected short form %q", got)
	}
	if got := Short("0xabc"); got != "0xabc" {
		t.Errorf("short input should be returned as is, got %q", got)
	}
}
