package in_toto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func futureExpiry() string {
	return time.Now().Add(24 * time.Hour).UTC().Format(ISO8601DateSchema)
}

func pastExpiry() string {
	return time.Now().Add(-24 * time.Hour).UTC().Format(ISO8601DateSchema)
}

func signedLink(t *testing.T, key Key, name string, materials, products map[string]interface{}) Metadata {
	t.Helper()
	mb := &Metablock{Signed: Link{
		Type: "link", Name: name,
		Materials: materials, Products: products,
		ByProducts: map[string]interface{}{}, Command: []string{}, Environment: map[string]interface{}{},
	}}
	require.NoError(t, mb.Sign(key))
	return mb
}

func TestSubstituteParametersRewritesCommandAndRules(t *testing.T) {
	layout := Layout{
		Steps: []Step{
			{SupplyChainItem: SupplyChainItem{
				Name:              "build",
				ExpectedProducts:  [][]string{{"CREATE", "{artifact}.bin"}},
			}, ExpectedCommand: []string{"build", "{artifact}"}},
		},
	}

	out, err := SubstituteParameters(layout, map[string]string{"artifact": "server"})
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "server"}, out.Steps[0].ExpectedCommand)
	assert.Equal(t, [][]string{{"CREATE", "server.bin"}}, out.Steps[0].ExpectedProducts)
}

func TestSubstituteParametersRejectsInvalidName(t *testing.T) {
	layout := Layout{Steps: []Step{{SupplyChainItem: SupplyChainItem{Name: "build"}}}}
	_, err := SubstituteParameters(layout, map[string]string{"bad name!": "x"})
	assert.Error(t, err)
}

func TestVerifyLayoutExpiration(t *testing.T) {
	assert.NoError(t, VerifyLayoutExpiration(Layout{Expires: futureExpiry()}))

	err := VerifyLayoutExpiration(Layout{Expires: pastExpiry()})
	require.Error(t, err)
	var expired *LayoutExpiredError
	assert.ErrorAs(t, err, &expired)
}

func TestVerifyLayoutSignatures(t *testing.T) {
	key := testEd25519Key(t)
	mb := &Metablock{Signed: Layout{Type: "layout", Expires: futureExpiry()}}
	require.NoError(t, mb.Sign(key))

	assert.NoError(t, VerifyLayoutSignatures(mb, map[string]Key{key.KeyID: key.PublicOnly()}))

	other := testEd25519Key(t)
	assert.Error(t, VerifyLayoutSignatures(mb, map[string]Key{other.KeyID: other.PublicOnly()}))
}

func TestVerifyLayoutSignaturesRequiresAtLeastOneKey(t *testing.T) {
	mb := &Metablock{Signed: Layout{Type: "layout", Expires: futureExpiry()}}
	assert.Error(t, VerifyLayoutSignatures(mb, map[string]Key{}))
}

func TestVerifyLinkSignatureThresholdsDirectAuthorization(t *testing.T) {
	key := testEd25519Key(t)
	layout := Layout{
		Keys: map[string]Key{key.KeyID: key.PublicOnly()},
		Steps: []Step{
			{PubKeys: []string{key.KeyID}, Threshold: 1, SupplyChainItem: SupplyChainItem{Name: "build"}},
		},
	}
	link := signedLink(t, key, "build", map[string]interface{}{}, map[string]interface{}{})
	stepsMetadata := map[string]map[string]Metadata{"build": {key.KeyID: link}}

	verified, err := VerifyLinkSignatureThresholds(layout, stepsMetadata)
	require.NoError(t, err)
	assert.Contains(t, verified["build"], key.KeyID)
}

func TestVerifyLinkSignatureThresholdsSubkeyCountsAsMaster(t *testing.T) {
	master := testEd25519Key(t)
	sub := testEd25519Key(t)

	masterPub := master.PublicOnly()
	masterPub.Subkeys = map[string]Key{sub.KeyID: sub.PublicOnly()}

	layout := Layout{
		Keys: map[string]Key{masterPub.KeyID: masterPub},
		Steps: []Step{
			{PubKeys: []string{masterPub.KeyID}, Threshold: 1, SupplyChainItem: SupplyChainItem{Name: "build"}},
		},
	}
	link := signedLink(t, sub, "build", map[string]interface{}{}, map[string]interface{}{})
	stepsMetadata := map[string]map[string]Metadata{"build": {sub.KeyID: link}}

	verified, err := VerifyLinkSignatureThresholds(layout, stepsMetadata)
	require.NoError(t, err)
	assert.Contains(t, verified["build"], sub.KeyID)
}

func TestVerifyLinkSignatureThresholdsFailsWhenUnmet(t *testing.T) {
	key := testEd25519Key(t)
	layout := Layout{
		Keys: map[string]Key{key.KeyID: key.PublicOnly()},
		Steps: []Step{
			{PubKeys: []string{key.KeyID}, Threshold: 2, SupplyChainItem: SupplyChainItem{Name: "build"}},
		},
	}
	link := signedLink(t, key, "build", map[string]interface{}{}, map[string]interface{}{})
	stepsMetadata := map[string]map[string]Metadata{"build": {key.KeyID: link}}

	_, err := VerifyLinkSignatureThresholds(layout, stepsMetadata)
	require.Error(t, err)
	var thresholdErr *ThresholdVerificationError
	assert.ErrorAs(t, err, &thresholdErr)
}

func TestVerifyLinkSignatureThresholdsRejectsUnauthorizedSigner(t *testing.T) {
	key := testEd25519Key(t)
	intruder := testEd25519Key(t)
	layout := Layout{
		Keys: map[string]Key{key.KeyID: key.PublicOnly(), intruder.KeyID: intruder.PublicOnly()},
		Steps: []Step{
			{PubKeys: []string{key.KeyID}, Threshold: 1, SupplyChainItem: SupplyChainItem{Name: "build"}},
		},
	}
	link := signedLink(t, intruder, "build", map[string]interface{}{}, map[string]interface{}{})
	stepsMetadata := map[string]map[string]Metadata{"build": {intruder.KeyID: link}}

	_, err := VerifyLinkSignatureThresholds(layout, stepsMetadata)
	assert.Error(t, err)
}

func TestReduceStepsMetadataAgreeingLinks(t *testing.T) {
	key1 := testEd25519Key(t)
	key2 := testEd25519Key(t)
	products := map[string]interface{}{"out.txt": map[string]interface{}{"sha256": "abc"}}

	layout := Layout{Steps: []Step{{Threshold: 2, SupplyChainItem: SupplyChainItem{Name: "build"}}}}
	stepsMetadata := map[string]map[string]Metadata{
		"build": {
			key1.KeyID: signedLink(t, key1, "build", map[string]interface{}{}, products),
			key2.KeyID: signedLink(t, key2, "build", map[string]interface{}{}, products),
		},
	}

	reduced, err := ReduceStepsMetadata(layout, stepsMetadata)
	require.NoError(t, err)
	assert.Equal(t, products, reduced["build"].GetPayload().(Link).Products)
}

func TestReduceStepsMetadataDivergingLinksFail(t *testing.T) {
	key1 := testEd25519Key(t)
	key2 := testEd25519Key(t)

	layout := Layout{Steps: []Step{{Threshold: 2, SupplyChainItem: SupplyChainItem{Name: "build"}}}}
	stepsMetadata := map[string]map[string]Metadata{
		"build": {
			key1.KeyID: signedLink(t, key1, "build", map[string]interface{}{}, map[string]interface{}{
				"out.txt": map[string]interface{}{"sha256": "abc"},
			}),
			key2.KeyID: signedLink(t, key2, "build", map[string]interface{}{}, map[string]interface{}{
				"out.txt": map[string]interface{}{"sha256": "different"},
			}),
		},
	}

	_, err := ReduceStepsMetadata(layout, stepsMetadata)
	require.Error(t, err)
	var thresholdErr *ThresholdVerificationError
	require.ErrorAs(t, err, &thresholdErr)
	assert.NotEmpty(t, thresholdErr.Diff)
}

func TestVerifyArtifactsCreateAndMatch(t *testing.T) {
	cloneProducts := map[string]interface{}{"foo.py": map[string]interface{}{"sha256": "abc"}}
	buildMaterials := map[string]interface{}{"foo.py": map[string]interface{}{"sha256": "abc"}}
	buildProducts := map[string]interface{}{
		"foo.py":    map[string]interface{}{"sha256": "abc"},
		"foo.pyc":   map[string]interface{}{"sha256": "def"},
	}

	steps := []Step{
		{SupplyChainItem: SupplyChainItem{
			Name:             "clone",
			ExpectedProducts: [][]string{{"CREATE", "foo.py"}},
		}},
		{SupplyChainItem: SupplyChainItem{
			Name: "build",
			ExpectedMaterials: [][]string{
				{"MATCH", "foo.py", "WITH", "PRODUCTS", "FROM", "clone"},
			},
			ExpectedProducts: [][]string{
				{"CREATE", "foo.pyc"},
				{"MATCH", "foo.py", "WITH", "PRODUCTS", "FROM", "clone"},
			},
		}},
	}

	itemsMetadata := map[string]Metadata{
		"clone": &Metablock{Signed: Link{Type: "link", Name: "clone", Materials: map[string]interface{}{}, Products: cloneProducts}},
		"build": &Metablock{Signed: Link{Type: "link", Name: "build", Materials: buildMaterials, Products: buildProducts}},
	}

	items := make([]interface{}, len(steps))
	for i, s := range steps {
		items[i] = s
	}

	assert.NoError(t, VerifyArtifacts(items, itemsMetadata))
}

func TestVerifyArtifactsDisallowFails(t *testing.T) {
	step := Step{SupplyChainItem: SupplyChainItem{
		Name:             "build",
		ExpectedProducts: [][]string{{"DISALLOW", "*.tmp"}},
	}}
	itemsMetadata := map[string]Metadata{
		"build": &Metablock{Signed: Link{
			Type: "link", Name: "build",
			Materials: map[string]interface{}{},
			Products:  map[string]interface{}{"leftover.tmp": map[string]interface{}{"sha256": "abc"}},
		}},
	}

	err := VerifyArtifacts([]interface{}{step}, itemsMetadata)
	require.Error(t, err)
	var ruleErr *RuleVerificationError
	assert.ErrorAs(t, err, &ruleErr)
}

func TestVerifyArtifactsRequireFails(t *testing.T) {
	step := Step{SupplyChainItem: SupplyChainItem{
		Name:             "build",
		ExpectedProducts: [][]string{{"REQUIRE", "out.bin"}},
	}}
	itemsMetadata := map[string]Metadata{
		"build": &Metablock{Signed: Link{
			Type: "link", Name: "build",
			Materials: map[string]interface{}{}, Products: map[string]interface{}{},
		}},
	}

	err := VerifyArtifacts([]interface{}{step}, itemsMetadata)
	assert.Error(t, err)
}

func TestInTotoVerifyEndToEnd(t *testing.T) {
	key := testEd25519Key(t)
	materialsDir := t.TempDir()
	linkDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(materialsDir, "foo.py"), []byte("print(1)"), 0644))

	layout := Layout{
		Type:    "layout",
		Expires: futureExpiry(),
		Keys:    map[string]Key{key.KeyID: key.PublicOnly()},
		Steps: []Step{
			{
				Type:      "step",
				PubKeys:   []string{key.KeyID},
				Threshold: 1,
				SupplyChainItem: SupplyChainItem{
					Name:             "clone",
					ExpectedProducts: [][]string{{"CREATE", materialsDir}},
				},
			},
		},
	}
	layoutEnv := &Metablock{Signed: layout}
	require.NoError(t, layoutEnv.Sign(key))

	_, err := InTotoRun("clone", nil, []string{"dir:" + materialsDir}, nil, key, &DefaultConfig, linkDir, false)
	require.NoError(t, err)

	summary, err := InTotoVerify(layoutEnv, map[string]Key{key.KeyID: key.PublicOnly()}, linkDir, "test-chain", nil, &DefaultConfig, NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "test-chain", summary.GetPayload().(Link).Name)
}

func TestInTotoVerifyFailsOnExpiredLayout(t *testing.T) {
	key := testEd25519Key(t)
	layout := Layout{Type: "layout", Expires: pastExpiry(), Keys: map[string]Key{key.KeyID: key.PublicOnly()}}
	layoutEnv := &Metablock{Signed: layout}
	require.NoError(t, layoutEnv.Sign(key))

	_, err := InTotoVerify(layoutEnv, map[string]Key{key.KeyID: key.PublicOnly()}, t.TempDir(), "chain", nil, &DefaultConfig, NopLogger{})
	assert.Error(t, err)
}
