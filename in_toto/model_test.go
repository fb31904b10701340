package in_toto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEd25519Key(t *testing.T) Key {
	t.Helper()
	key, err := GenerateKeyPair(KeyTypeEd25519, SchemeEd25519, 0)
	require.NoError(t, err)
	return key
}

func TestMetablockSignAndVerify(t *testing.T) {
	key := testEd25519Key(t)
	link := Link{Type: "link", Name: "build", Materials: map[string]interface{}{}, Products: map[string]interface{}{}}

	mb := &Metablock{Signed: link}
	require.NoError(t, mb.Sign(key))
	require.Len(t, mb.Sigs(), 1)

	assert.NoError(t, mb.VerifySignature(key.PublicOnly()))
}

func TestMetablockVerifyFailsOnTamperedPayload(t *testing.T) {
	key := testEd25519Key(t)
	link := Link{Type: "link", Name: "build", Materials: map[string]interface{}{}, Products: map[string]interface{}{}}

	mb := &Metablock{Signed: link}
	require.NoError(t, mb.Sign(key))

	tampered := mb.Signed.(Link)
	tampered.Name = "tampered"
	mb.Signed = tampered

	assert.Error(t, mb.VerifySignature(key.PublicOnly()))
}

func TestMetablockDumpAndLoadRoundTrip(t *testing.T) {
	key := testEd25519Key(t)
	link := Link{
		Type: "link", Name: "clone",
		Materials: map[string]interface{}{},
		Products: map[string]interface{}{
			"main.go": map[string]interface{}{"sha256": "abc123"},
		},
		Command:     []string{"git", "clone"},
		ByProducts:  map[string]interface{}{},
		Environment: map[string]interface{}{},
	}
	mb := &Metablock{Signed: link}
	require.NoError(t, mb.Sign(key))

	dir := t.TempDir()
	path := filepath.Join(dir, "clone.link")
	require.NoError(t, mb.Dump(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)

	loadedBlock, ok := loaded.(*Metablock)
	require.True(t, ok, "expected a classic Metablock, not a DSSE envelope")
	assert.Equal(t, link, loadedBlock.GetPayload())
	assert.NoError(t, loadedBlock.VerifySignature(key.PublicOnly()))
}

func TestLoadMetadataRejectsMissingFile(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), "does-not-exist.link"))
	assert.Error(t, err)
}

func TestValidateLayoutRequiresResolvableStepKeys(t *testing.T) {
	key := testEd25519Key(t)
	layout := Layout{
		Type:    "layout",
		Expires: "2099-01-01T00:00:00Z",
		Keys:    map[string]Key{key.KeyID: key.PublicOnly()},
		Steps: []Step{
			{
				Type:            "step",
				PubKeys:         []string{"deadbeef"},
				ExpectedCommand: []string{"true"},
				Threshold:       1,
				SupplyChainItem: SupplyChainItem{Name: "build"},
			},
		},
	}
	assert.Error(t, validateLayout(layout))

	layout.Steps[0].PubKeys = []string{key.KeyID}
	assert.NoError(t, validateLayout(layout))
}

func TestValidateLayoutRejectsNonUniqueNames(t *testing.T) {
	layout := Layout{
		Type:    "layout",
		Expires: "2099-01-01T00:00:00Z",
		Steps: []Step{
			{Type: "step", ExpectedCommand: []string{"true"}, Threshold: 1, SupplyChainItem: SupplyChainItem{Name: "dup"}},
		},
		Inspect: []Inspection{
			{Type: "inspection", SupplyChainItem: SupplyChainItem{Name: "dup"}},
		},
	}
	assert.Error(t, validateLayout(layout))
}

