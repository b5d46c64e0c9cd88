package credentials

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	nodeflow "nodeflow"
)

func testCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	c, err := NewCipher(secret, WithIterations(1000))
	require.NoError(t, err)
	return c
}

func TestCipherRoundTrip(t *testing.T) {
	c := testCipher(t, "top-secret")
	for _, plain := range []string{"", "sk-123", strings.Repeat("x", 1000), "ünïcødé"} {
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		_, err = hex.DecodeString(enc)
		require.NoError(t, err, "ciphertext must be hex")
		require.GreaterOrEqual(t, len(enc), 2*(saltLength+ivLength+tagLength))

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		require.Equal(t, plain, dec)
	}
}

func TestCipherRandomizedAndKeyBound(t *testing.T) {
	c := testCipher(t, "k1")
	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "salt and iv should differ per call")

	_, err = testCipher(t, "k2").Decrypt(a)
	require.Error(t, err)

	_, err = c.Decrypt("not hex")
	require.ErrorIs(t, err, ErrMalformed)
	_, err = c.Decrypt("abcd")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = NewCipher("")
	require.ErrorIs(t, err, ErrMissingKey)
}

type fakeStore map[string]nodeflow.Credential

func (f fakeStore) FindCredential(_ context.Context, id, ownerID string) (*nodeflow.Credential, error) {
	if id == "broken" {
		return nil, errors.New("connection reset")
	}
	cred, ok := f[id]
	if !ok || cred.UserID != ownerID {
		return nil, fmt.Errorf("credential %s: %w", id, nodeflow.ErrNotFound)
	}
	return &cred, nil
}

func TestResolver(t *testing.T) {
	c := testCipher(t, "secret")
	enc, err := c.Encrypt("sk-live")
	require.NoError(t, err)

	store := fakeStore{
		"c1":  {ID: "c1", UserID: "u1", Type: nodeflow.CredentialOpenAI, Value: enc},
		"bad": {ID: "bad", UserID: "u1", Type: nodeflow.CredentialOpenAI, Value: "zz"},
	}
	r := NewResolver(store, c)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Equal(t, "sk-live", got.Value)
	require.Equal(t, nodeflow.CredentialOpenAI, got.Type)
	require.NotContains(t, fmt.Sprint(*got), "sk-live")

	_, err = r.Resolve(ctx, "c1", "someone-else")
	require.Error(t, err)
	require.False(t, nodeflow.IsRetriable(err))

	_, err = r.Resolve(ctx, "bad", "u1")
	require.False(t, nodeflow.IsRetriable(err))

	_, err = r.Resolve(ctx, "broken", "u1")
	require.True(t, nodeflow.IsRetriable(err))
}
