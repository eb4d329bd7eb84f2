package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *WebAuthn {
	t.Helper()
	w, err := NewWebAuthn(Config{RPDisplayName: "Example", RPID: "example.com", RPOrigins: []string{"https://example.com"}})
	require.NoError(t, err)
	return w
}

func TestNewWebAuthnRequiresRelyingParty(t *testing.T) {
	_, err := NewWebAuthn(Config{RPOrigins: []string{"https://example.com"}})
	assert.Error(t, err)
	_, err = NewWebAuthn(Config{RPID: "example.com"})
	assert.Error(t, err)
}

func TestBeginRegistrationOptions(t *testing.T) {
	w := newTestBackend(t)
	existing := []byte{1, 2, 3, 4}

	c, err := w.BeginRegistration(context.Background(), User{
		ID:    "user-1",
		Email: "a@x.com",
		Keys:  []Key{{CredentialID: existing, PublicKey: []byte{9}}},
	}, true)
	require.NoError(t, err)

	var opts struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
			RP        struct {
				ID string `json:"id"`
			} `json:"rp"`
			User struct {
				Name string `json:"name"`
			} `json:"user"`
			ExcludeCredentials []struct {
				ID string `json:"id"`
			} `json:"excludeCredentials"`
			AuthenticatorSelection struct {
				AuthenticatorAttachment string `json:"authenticatorAttachment"`
			} `json:"authenticatorSelection"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(c.Options, &opts))
	assert.NotEmpty(t, opts.PublicKey.Challenge)
	assert.Equal(t, "example.com", opts.PublicKey.RP.ID)
	assert.Equal(t, "a@x.com", opts.PublicKey.User.Name)
	require.Len(t, opts.PublicKey.ExcludeCredentials, 1)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(existing), opts.PublicKey.ExcludeCredentials[0].ID)
	assert.Equal(t, "cross-platform", opts.PublicKey.AuthenticatorSelection.AuthenticatorAttachment)

	var session struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(c.Session, &session))
	assert.Equal(t, opts.PublicKey.Challenge, session.Challenge)
}

func TestBeginAssertionWithoutKeysIsDiscoverable(t *testing.T) {
	w := newTestBackend(t)

	c, err := w.BeginAssertion(context.Background(), nil)
	require.NoError(t, err)

	var opts struct {
		PublicKey struct {
			Challenge        string            `json:"challenge"`
			AllowCredentials []json.RawMessage `json:"allowCredentials"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(c.Options, &opts))
	assert.NotEmpty(t, opts.PublicKey.Challenge)
	assert.Empty(t, opts.PublicKey.AllowCredentials)

	keyed, err := w.BeginAssertion(context.Background(), &User{ID: "u", Keys: []Key{{CredentialID: []byte{7}}}})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(keyed.Options, &opts))
	assert.Len(t, opts.PublicKey.AllowCredentials, 1)
}

func TestFinishWithMalformedResponse(t *testing.T) {
	w := newTestBackend(t)
	c, err := w.BeginRegistration(context.Background(), User{ID: "user-1"}, false)
	require.NoError(t, err)

	_, err = w.FinishRegistration(context.Background(), User{ID: "user-1"}, c.Session, []byte(`{"nope":true}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	a, err := w.BeginAssertion(context.Background(), nil)
	require.NoError(t, err)
	_, err = w.ValidateAssertion(context.Background(), a.Session, []byte(`not json`), func(context.Context, []byte, []byte) (User, error) {
		t.Fatal("lookup must not run for unparseable responses")
		return User{}, nil
	})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestResponseCredentialID(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef}
	enc := base64.RawURLEncoding.EncodeToString(id)

	got, err := ResponseCredentialID([]byte(`{"id":"` + enc + `","type":"public-key"}`))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = ResponseCredentialID([]byte(`{"rawId":"` + enc + `="}`))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, bad := range []string{`{}`, `[]`, `{"id":"***"}`, ``} {
		_, err := ResponseCredentialID([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformedResponse, bad)
	}
}
