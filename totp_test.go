package authcore

import (
	"strings"
	"testing"
	"time"
)

func rfcManager(algorithm string, skew int) *totpManager {
	return newTOTPManager(MFAConfig{Issuer: "authcore", Digits: 8, Period: 30, Algorithm: algorithm, Skew: skew})
}

type rfcVector struct {
	ts   int64
	code string
}

func checkVectors(t *testing.T, m *totpManager, secret []byte, cases []rfcVector) {
	t.Helper()
	for _, tc := range cases {
		ok, step, err := m.VerifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
		if step != tc.ts/30 {
			t.Fatalf("step at t=%d: got %d", tc.ts, step)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA1(t *testing.T) {
	checkVectors(t, rfcManager("SHA1", 0), []byte("12345678901234567890"), []rfcVector{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	})
}

func TestTOTPVerifyRFCVectorsSHA256(t *testing.T) {
	checkVectors(t, rfcManager("SHA256", 0), []byte("12345678901234567890123456789012"), []rfcVector{
		{59, "46119246"},
		{1111111109, "68084774"},
		{1111111111, "67062674"},
		{1234567890, "91819424"},
		{2000000000, "90698825"},
		{20000000000, "77737706"},
	})
}

func TestTOTPVerifyRFCVectorsSHA512(t *testing.T) {
	checkVectors(t, rfcManager("SHA512", 0), []byte("1234567890123456789012345678901234567890123456789012345678901234"), []rfcVector{
		{59, "90693936"},
		{1111111109, "25091201"},
		{1111111111, "99943326"},
		{1234567890, "93441116"},
		{2000000000, "38618901"},
		{20000000000, "47863826"},
	})
}

func TestTOTPDriftWindowAcceptsAdjacentStep(t *testing.T) {
	m := newTOTPManager(MFAConfig{Issuer: "authcore", Digits: 6, Period: 30, Algorithm: "SHA1", Skew: 1})
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)
	prevCounter := (now.Unix() / 30) - 1
	code, err := hotpCode(secret, prevCounter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, step, err := m.VerifyCode(secret, code, now)
	if err != nil || !ok {
		t.Fatalf("expected skew code accepted, ok=%v err=%v", ok, err)
	}
	if step != prevCounter {
		t.Fatalf("expected step %d, got %d", prevCounter, step)
	}

	old, _ := hotpCode(secret, prevCounter-1, 6, "SHA1")
	if ok, _, _ := m.VerifyCode(secret, old, now); ok {
		t.Fatal("expected code outside the skew window to be rejected")
	}
}

func TestTOTPWrongDigitsRejected(t *testing.T) {
	m := newTOTPManager(MFAConfig{Issuer: "authcore", Digits: 6, Period: 30, Algorithm: "SHA1", Skew: 1})
	secret := []byte("12345678901234567890")
	for _, code := range []string{"12345678", "12a456", ""} {
		ok, _, err := m.VerifyCode(secret, code, time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatalf("expected %q to be rejected", code)
		}
	}
}

func TestTOTPProvisionURI(t *testing.T) {
	m := newTOTPManager(MFAConfig{Issuer: "authcore", Digits: 6, Period: 30, Algorithm: "sha1"})
	uri := m.ProvisionURI("ABC", "a@x.com")
	if !strings.HasPrefix(uri, "otpauth://totp/authcore:a@x.com?") {
		t.Fatalf("unexpected uri %q", uri)
	}
	for _, want := range []string{"secret=ABC", "issuer=authcore", "digits=6", "period=30", "algorithm=SHA1"} {
		if !strings.Contains(uri, want) {
			t.Fatalf("uri %q missing %q", uri, want)
		}
	}
}

func TestBackupCodeCanonicalForm(t *testing.T) {
	code, err := newBackupCode(10)
	if err != nil {
		t.Fatalf("newBackupCode: %v", err)
	}
	formatted := formatBackupCode(code)
	if len(formatted) != 11 || formatted[5] != '-' {
		t.Fatalf("unexpected format %q", formatted)
	}
	if canonicalBackupCode(" "+strings.ToLower(formatted)+" ") != code {
		t.Fatalf("canonical form of %q does not round trip", formatted)
	}
	if backupCodeHash("u1", code) == backupCodeHash("u2", code) {
		t.Fatal("equal codes of different users must hash differently")
	}
}
