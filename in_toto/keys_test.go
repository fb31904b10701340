package in_toto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairEachType(t *testing.T) {
	cases := []struct {
		keyType string
		scheme  string
	}{
		{KeyTypeEd25519, SchemeEd25519},
		{KeyTypeRSA, SchemeRSASSAPSSSHA256},
		{KeyTypeECDSA, SchemeECDSASHA2NISTP256},
	}

	for _, tc := range cases {
		t.Run(tc.keyType, func(t *testing.T) {
			key, err := GenerateKeyPair(tc.keyType, tc.scheme, 0)
			require.NoError(t, err)
			assert.NotEmpty(t, key.KeyID)
			assert.NotEmpty(t, key.KeyVal.Private)
			assert.NotEmpty(t, key.KeyVal.Public)

			data := []byte("sign me")
			sig, err := GenerateSignature(data, key)
			require.NoError(t, err)
			assert.NoError(t, VerifySignature(key.PublicOnly(), sig, data))
		})
	}
}

func TestPublicOnlyStripsPrivateMaterial(t *testing.T) {
	key, err := GenerateKeyPair(KeyTypeEd25519, SchemeEd25519, 0)
	require.NoError(t, err)

	pub := key.PublicOnly()
	assert.Empty(t, pub.KeyVal.Private)
	assert.Equal(t, key.KeyVal.Public, pub.KeyVal.Public)
	assert.Equal(t, key.KeyID, pub.KeyID)
}

func TestLoadKeyFromJSONRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair(KeyTypeEd25519, SchemeEd25519, 0)
	require.NoError(t, err)

	raw, err := json.MarshalIndent(key.PublicOnly(), "", "  ")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.pub")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	loaded, err := LoadKeyFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, loaded.KeyID)
	assert.Empty(t, loaded.KeyVal.Private)
}

func TestLoadKeyFromJSONRejectsMalformedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pub")
	require.NoError(t, os.WriteFile(path, []byte(`{"keytype":"ed25519"}`), 0644))

	_, err := LoadKeyFromJSON(path)
	assert.Error(t, err)
}

func TestResolveKeyViaSubkey(t *testing.T) {
	master, err := GenerateKeyPair(KeyTypeEd25519, SchemeEd25519, 0)
	require.NoError(t, err)
	sub, err := GenerateKeyPair(KeyTypeEd25519, SchemeEd25519, 0)
	require.NoError(t, err)

	masterPub := master.PublicOnly()
	masterPub.Subkeys = map[string]Key{sub.KeyID: sub.PublicOnly()}
	keys := map[string]Key{masterPub.KeyID: masterPub}

	resolved, authorizingID, ok := ResolveKey(sub.KeyID, keys)
	require.True(t, ok)
	assert.Equal(t, sub.KeyID, resolved.KeyID)
	assert.Equal(t, masterPub.KeyID, authorizingID)

	reverse := ReverseSubkeyMap(keys)
	assert.Equal(t, masterPub.KeyID, reverse[sub.KeyID])
}

// TestResolveKeyViaGPGSubkeyReturnsMaster asserts ResolveKey's GPG-specific
// branch: a GPG master and its subkeys share one exported keyring blob, so
// resolving by subkey id must hand back the master's own record (with its
// Subkeys map intact), not the subkey's bare entry.
func TestResolveKeyViaGPGSubkeyReturnsMaster(t *testing.T) {
	master := Key{
		KeyID:   "masterid",
		KeyType: KeyTypeGPG,
		Scheme:  SchemePGPRSA,
		KeyVal:  KeyVal{Public: "master-armor"},
		Subkeys: map[string]Key{
			"subid": {KeyID: "subid", KeyType: KeyTypeGPG, Scheme: SchemePGPRSA, KeyVal: KeyVal{Public: "sub-armor"}},
		},
	}
	keys := map[string]Key{master.KeyID: master}

	resolved, authorizingID, ok := ResolveKey("subid", keys)
	require.True(t, ok)
	assert.Equal(t, master.KeyID, resolved.KeyID)
	assert.Equal(t, master.KeyVal.Public, resolved.KeyVal.Public)
	assert.Equal(t, master.KeyID, authorizingID)
}

func TestResolveKeyUnknownFails(t *testing.T) {
	_, _, ok := ResolveKey("unknown", map[string]Key{})
	assert.False(t, ok)
}
