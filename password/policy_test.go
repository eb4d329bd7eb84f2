package password

import (
	"context"
	"errors"
	"testing"
)

type failingChecker struct{}

func (failingChecker) Breached(context.Context, string) (bool, error) {
	return false, errors.New("corpus unavailable")
}

func TestPolicyRejectsShortPasswordsByRunes(t *testing.T) {
	p := DefaultPolicy()

	reason, err := p.Check(context.Background(), "short-pass1")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if reason != ReasonTooShort {
		t.Fatalf("expected %q, got %q", ReasonTooShort, reason)
	}

	// twelve runes, more than twelve bytes
	reason, err = p.Check(context.Background(), "ééééééééééé1")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if reason != "" {
		t.Fatalf("expected twelve runes to pass, got %q", reason)
	}
}

func TestPolicyAcceptsStrongPassword(t *testing.T) {
	reason, err := DefaultPolicy().Check(context.Background(), "CorrectHorse12!")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if reason != "" {
		t.Fatalf("expected acceptance, got %q", reason)
	}
}

func TestPolicyRejectsEmbeddedDenylistEntry(t *testing.T) {
	reason, err := DefaultPolicy().Check(context.Background(), "Password1234")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if reason != ReasonBreached {
		t.Fatalf("expected %q, got %q", ReasonBreached, reason)
	}
}

func TestPolicyCustomChecker(t *testing.T) {
	p := Policy{MinLength: 12, Breach: NewDenylist("my-leaked-secret")}
	reason, _ := p.Check(context.Background(), "MY-LEAKED-SECRET")
	if reason != ReasonBreached {
		t.Fatalf("expected case-insensitive denylist hit, got %q", reason)
	}
}

func TestPolicyCheckerFailureIsNotADecision(t *testing.T) {
	p := Policy{MinLength: 12, Breach: failingChecker{}}
	if _, err := p.Check(context.Background(), "CorrectHorse12!"); err == nil {
		t.Fatal("expected checker error to propagate")
	}
}

func TestPolicyTooLong(t *testing.T) {
	p := Policy{MinLength: 12, MaxBytes: 16}
	reason, _ := p.Check(context.Background(), "aaaaaaaaaaaaaaaaaaaa")
	if reason != ReasonTooLong {
		t.Fatalf("expected %q, got %q", ReasonTooLong, reason)
	}
}
