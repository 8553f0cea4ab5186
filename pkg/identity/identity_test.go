package identity

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	assert.Len(t, id.SigningPublicKey, ed25519.PublicKeySize)
	assert.Len(t, id.SigningPrivateKey, ed25519.PrivateKeySize)

	var derived [32]byte
	curve25519.ScalarBaseMult(&derived, &id.KeyAgreementPrivateKey)
	assert.Equal(t, id.KeyAgreementPublicKey, derived, "key agreement public key must derive from private key")

	assert.True(t, strings.HasPrefix(id.ID(), IDPrefix))
	assert.False(t, id.Name().IsZero())
	assert.Equal(t, ClientName(id.SigningPublicKey), id.Name())
}

func TestIdentitiesAreDistinct(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, a.Name(), b.Name())
}

func TestParseID(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pub, err := ParseID(id.ID())
	require.NoError(t, err)
	assert.Equal(t, id.SigningPublicKey, pub)

	tests := []struct {
		name  string
		input string
	}{
		{"missing_prefix", "abc"},
		{"bad_base58", IDPrefix + "0OIl"},
		{"short_key", IDPrefix + "3mJr7AoUXx2Wqd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseID(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("candidate accepted")
	sig := id.Sign(msg)

	assert.True(t, Verify(id.SigningPublicKey, msg, sig))
	assert.False(t, Verify(id.SigningPublicKey, []byte("tampered"), sig))
	assert.False(t, Verify(ed25519.PublicKey{1, 2, 3}, msg, sig))
}

func TestTagFormat(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^[bdfghjklmnprstvz][aiou][bdfghjklmnprstvz][aiou][bdfghjklmnprstvz]-[bdfghjklmnprstvz][aiou][bdfghjklmnprstvz][aiou][bdfghjklmnprstvz]$`)
	assert.Regexp(t, pattern, id.Tag())

	// Deterministic for the same key
	clone := &Identity{SigningPublicKey: id.SigningPublicKey}
	assert.Equal(t, id.Tag(), clone.Tag())
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "identity.json")

	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, id.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, id.ID(), loaded.ID())
	assert.Equal(t, id.Name(), loaded.Name())
	assert.Equal(t, id.KeyAgreementPublicKey, loaded.KeyAgreementPublicKey)
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID(), second.ID())
}

func TestLoadFromFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"signing_private_key":"AAAA"}`), 0600))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestGenerateUnder(t *testing.T) {
	prefix := xorname.MustParsePrefix("101")
	id, err := GenerateUnder(prefix)
	require.NoError(t, err)
	assert.True(t, prefix.Matches(id.Name()))

	long := xorname.MustParsePrefix(strings.Repeat("1", 24))
	_, err = GenerateUnder(long)
	assert.Error(t, err)
}
