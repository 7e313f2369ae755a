package pii

import (
	"strings"
	"testing"
)

func TestDetect_EmptyString(t *testing.T) {
	got, err := Detect("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal("expected false for empty string")
	}
}

func TestDetect_Kinds(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Kind
	}{
		{"email", "reach me at alice@example.com please", KindEmail},
		{"phone_intl", "call +1 415 555 0132 now", KindPhoneIntl},
		{"phone_national", "call (415) 555-0132 now", KindPhoneNational},
		{"iban", "wire to DE89370400440532013000 today", KindIBAN},
		{"ssn", "ssn on file: 123-45-6789", KindSSN},
		{"credit_card", "card 4111111111111111 on file", KindCreditCard},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kinds, err := DetectDetail(tc.text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, ok := kinds[tc.want]; !ok {
				t.Fatalf("expected kind %s in %v", tc.want, kinds)
			}
		})
	}
}

func TestCreditCard_RequiresLuhn(t *testing.T) {
	// 16 digits but fails Luhn - must not be reported.
	kinds, err := DetectDetail("card 4111111111111112 on file")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := kinds[KindCreditCard]; ok {
		t.Fatal("expected Luhn-invalid candidate to be rejected")
	}
}

func TestIBAN_RequiresModChecksum(t *testing.T) {
	kinds, err := DetectDetail("iban DE89370400440532013099 is wrong")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := kinds[KindIBAN]; ok {
		t.Fatal("expected mod-97-invalid IBAN to be rejected")
	}
}

func TestRedact_RoundTripIdempotent(t *testing.T) {
	text := "contact alice@example.com or 123-45-6789 for details"
	once, err := Redact(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := Redact(once)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if once != twice {
		t.Fatalf("redact is not idempotent: %q != %q", once, twice)
	}
}

func TestRedact_RemovesDetectableSpans(t *testing.T) {
	text := "email alice@example.com"
	redacted, err := Redact(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err := Detect(redacted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no detections after redact, got text %q", redacted)
	}
	if !strings.Contains(redacted, "[REDACTED:email]") {
		t.Fatalf("expected redaction marker, got %q", redacted)
	}
}

func TestDetect_InvalidUTF8(t *testing.T) {
	bad := string([]byte{0xff, 0xfe, 0xfd})
	if _, err := Detect(bad); err == nil {
		t.Fatal("expected error for invalid UTF-8 input")
	}
}

func TestDetect_LargeInputSlidingWindow(t *testing.T) {
	// Build input well over the 1 MiB threshold, so the sliding-window
	// path is taken, with the marker in the middle of it.
	filler := strings.Repeat("the quick brown fox jumps over lazy dogs. ", 40000)
	text := filler + "contact bob@example.org" + filler
	ok, err := Detect(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected detection in large input")
	}
}

func TestOverlap_PreferEarlierThenLonger(t *testing.T) {
	// A valid IBAN is reported as an IBAN.
	kinds, err := DetectDetail("DE89370400440532013000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := kinds[KindIBAN]; !ok {
		t.Fatalf("expected iban to be detected, got %v", kinds)
	}

	// Same start: the email (0-21) and the national id (0-9) both begin at
	// offset 0, and the longer email span wins.
	kinds, err = DetectDetail("AB1234567@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := kinds[KindEmail]; !ok {
		t.Fatalf("expected email to win same-start overlap, got %v", kinds)
	}
	if _, ok := kinds[KindNationalID]; ok {
		t.Fatalf("expected national_id to lose same-start overlap, got %v", kinds)
	}

	// Different starts: the international number starts at 5 and the
	// national number inside it at 8; the earlier span wins.
	kinds, err = DetectDetail("call +1 415 555 0132 now")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := kinds[KindPhoneIntl]; !ok {
		t.Fatalf("expected phone_intl to win earlier-start overlap, got %v", kinds)
	}
	if _, ok := kinds[KindPhoneNational]; ok {
		t.Fatalf("expected phone_national to lose earlier-start overlap, got %v", kinds)
	}
}
