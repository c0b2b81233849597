package codec

import (
	"strings"
	"testing"
)

func TestGzipB64_RoundTrip(t *testing.T) {
	c := GzipB64{}
	raw := "Thẻ tín dụng HSBC của Quý khách vừa được ghi nhận giao dịch tại BHX_5236 vào ngày 05/06/2024 với số tiền VND397,250"

	stored, err := c.Encode(raw)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !strings.HasPrefix(stored, "gz:") {
		t.Errorf("stored value missing gz: prefix: %q", stored)
	}
	got, err := c.Decode(stored)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got != raw {
		t.Errorf("round trip: got %q, want %q", got, raw)
	}
}

func TestGzipB64_Empty(t *testing.T) {
	c := GzipB64{}
	stored, err := c.Encode("")
	if err != nil || stored != "" {
		t.Errorf("Encode(\"\") = %q, %v; want \"\", nil", stored, err)
	}
	got, err := c.Decode("")
	if err != nil || got != "" {
		t.Errorf("Decode(\"\") = %q, %v; want \"\", nil", got, err)
	}
}

func TestGzipB64_UnprefixedStillDecodes(t *testing.T) {
	c := GzipB64{}
	stored, err := c.Encode("3k trà sữa")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	got, err := c.Decode(strings.TrimPrefix(stored, "gz:"))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got != "3k trà sữa" {
		t.Errorf("got %q, want original text", got)
	}
}

func TestDecodeLenient_PlainValuePassesThrough(t *testing.T) {
	if got := DecodeLenient(GzipB64{}, "mua 50k cafe"); got != "mua 50k cafe" {
		t.Errorf("got %q, want the plain value unchanged", got)
	}
}

func TestIdentity(t *testing.T) {
	c := Identity{}
	stored, err := c.Encode("x")
	if err != nil || stored != "x" {
		t.Fatalf("Encode = %q, %v", stored, err)
	}
	got, err := c.Decode("x")
	if err != nil || got != "x" {
		t.Fatalf("Decode = %q, %v", got, err)
	}
}
