package password

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"strings"
	"unicode/utf8"
)

// DefaultMinLength is the minimum password length in runes.
const DefaultMinLength = 12

// Policy violation reasons, reported as field-level detail by the caller.
const (
	ReasonTooShort = "too_short"
	ReasonTooLong  = "too_long"
	ReasonBreached = "breached"
)

// BreachChecker reports whether a candidate password is known to be compromised.
// Implementations may call out to an external corpus; they must honour ctx.
type BreachChecker interface {
	Breached(ctx context.Context, plaintext string) (bool, error)
}

// Policy decides whether a plaintext is acceptable as a new password.
type Policy struct {
	MinLength int
	MaxBytes  int
	Breach    BreachChecker
}

// DefaultPolicy enforces a 12 rune minimum and checks the embedded denylist.
func DefaultPolicy() Policy {
	return Policy{
		MinLength: DefaultMinLength,
		MaxBytes:  DefaultMaxPasswordBytes,
		Breach:    EmbeddedDenylist(),
	}
}

// Check returns the violated rule, or "" when plaintext is acceptable. A non-nil error means
// the breach checker itself failed and no decision was made.
func (p Policy) Check(ctx context.Context, plaintext string) (string, error) {
	min := p.MinLength
	if min <= 0 {
		min = DefaultMinLength
	}
	if utf8.RuneCountInString(plaintext) < min {
		return ReasonTooShort, nil
	}
	if p.MaxBytes > 0 && len(plaintext) > p.MaxBytes {
		return ReasonTooLong, nil
	}
	if p.Breach == nil {
		return "", nil
	}
	breached, err := p.Breach.Breached(ctx, plaintext)
	if err != nil {
		return "", err
	}
	if breached {
		return ReasonBreached, nil
	}
	return "", nil
}

// Denylist is an in-memory set of known-compromised passwords, compared case-insensitively.
type Denylist struct {
	entries map[string]struct{}
}

// NewDenylist builds a denylist from the given entries.
func NewDenylist(entries ...string) *Denylist {
	d := &Denylist{entries: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		d.entries[strings.ToLower(e)] = struct{}{}
	}
	return d
}

func (d *Denylist) Breached(_ context.Context, plaintext string) (bool, error) {
	_, ok := d.entries[strings.ToLower(plaintext)]
	return ok, nil
}

//go:embed denylist.txt
var denylistData []byte

// EmbeddedDenylist returns the denylist shipped with the package.
func EmbeddedDenylist() *Denylist {
	var entries []string
	sc := bufio.NewScanner(bytes.NewReader(denylistData))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return NewDenylist(entries...)
}
