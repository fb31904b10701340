package in_toto

import (
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPAEEncoding(t *testing.T) {
	got := PAE("application/vnd.in-toto+json", []byte(`{"a":1}`))
	want := "DSSEv1 28 application/vnd.in-toto+json 7 {\"a\":1}"
	assert.Equal(t, want, string(got))
}

func TestEnvelopeSignAndVerify(t *testing.T) {
	key := testEd25519Key(t)
	link := Link{Type: "link", Name: "test", Materials: map[string]interface{}{}, Products: map[string]interface{}{}}

	env := &Envelope{}
	require.NoError(t, env.SetPayload(link))
	require.NoError(t, env.Sign(key))

	assert.NoError(t, env.VerifySignature(key.PublicOnly()))
	assert.Equal(t, link, env.GetPayload())
}

func TestEnvelopeWireSignatureIsBase64(t *testing.T) {
	key := testEd25519Key(t)
	link := Link{Type: "link", Name: "test", Materials: map[string]interface{}{}, Products: map[string]interface{}{}}

	env := &Envelope{}
	require.NoError(t, env.SetPayload(link))
	require.NoError(t, env.Sign(key))

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var wire struct {
		Signatures []struct {
			Sig string `json:"sig"`
		} `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Len(t, wire.Signatures, 1)

	_, err = base64.StdEncoding.DecodeString(wire.Signatures[0].Sig)
	assert.NoError(t, err, "DSSE envelope signatures must be base64-std on the wire")

	var roundTripped Envelope
	require.NoError(t, json.Unmarshal(raw, &roundTripped))
	assert.Equal(t, env.Signatures, roundTripped.Signatures)
}

func TestEnvelopeDumpAndLoadRoundTrip(t *testing.T) {
	key := testEd25519Key(t)
	link := Link{Type: "link", Name: "test", Materials: map[string]interface{}{}, Products: map[string]interface{}{}}

	env := &Envelope{}
	require.NoError(t, env.SetPayload(link))
	require.NoError(t, env.Sign(key))

	path := filepath.Join(t.TempDir(), "test.link")
	require.NoError(t, env.Dump(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)

	loadedEnv, ok := loaded.(*Envelope)
	require.True(t, ok, "expected a DSSE envelope, not a classic Metablock")
	assert.Equal(t, link, loadedEnv.GetPayload())
	assert.NoError(t, loadedEnv.VerifySignature(key.PublicOnly()))
}
