package in_toto

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

/*
KeyVal contains the actual values of a key, as opposed to key metadata such as
a key identifier or key type.  For RSA and ECDSA keys the key value is a pair
of public and private keys in PEM format stored as strings.  For ed25519 keys
it is a pair of hex-encoded byte strings.  For public keys the Private field
is empty.
*/
type KeyVal struct {
	Private string `json:"private,omitempty"`
	Public  string `json:"public"`
}

/*
Key represents a generic in-toto key that contains key metadata, such as an
identifier, supported hash algorithms to create the identifier, the key type
and the supported signature scheme, and the actual key value. A key may carry
subkeys (keyed by their own keyid): this is how PGP master/subkey delegation
is represented, where a link signed by a signing-capable subkey is verified
through the master key's entry in a layout's `keys` map.
*/
type Key struct {
	KeyID               string         `json:"keyid"`
	KeyIDHashAlgorithms []string       `json:"keyid_hash_algorithms,omitempty"`
	KeyType             string         `json:"keytype"`
	KeyVal              KeyVal         `json:"keyval"`
	Scheme              string         `json:"scheme"`
	Subkeys             map[string]Key `json:"subkeys,omitempty"`
}

/*
Signature represents a generic in-toto signature that contains the identifier
of the Key which was used to create the signature and the signature data
itself.  The signature scheme used to produce it is found in the
corresponding Key.  OtherHeaders carries the hex-encoded OpenPGP trailer
bytes for PGP signatures, where the signed byte sequence is
`payload || other_headers || 0x04 0xff || be32(len(other_headers))`.
*/
type Signature struct {
	KeyID        string `json:"keyid"`
	Sig          string `json:"sig"`
	OtherHeaders string `json:"other_headers,omitempty"`
}

/*
Link represents the evidence of a supply chain step performed by a
functionary.  It should be contained in a generic Metablock (or DSSE
Envelope) object, which provides functionality for signing and signature
verification, and for reading from and writing to disk.
*/
type Link struct {
	Type        string                 `json:"_type"`
	Name        string                 `json:"name"`
	Materials   map[string]interface{} `json:"materials"`
	Products    map[string]interface{} `json:"products"`
	ByProducts  map[string]interface{} `json:"byproducts"`
	Command     []string               `json:"command"`
	Environment map[string]interface{} `json:"environment"`
}

/*
LinkNameFormat represents a format string used to create the filename for a
signed Link (wrapped in a Metablock or Envelope).  It consists of the name of
the link and the first 8 characters of the signing key id, e.g.:

	fmt.Sprintf(LinkNameFormat, "package",
	    "2f89b9272acfc8f4a0a0f094d789fdb0ba798b0fe41f2f5f417c12f0085ff498")
	// returns "package.2f89b927.link"
*/
const LinkNameFormat = "%s.%.8s.link"

// PreliminaryLinkNameFormat names a link that has been record_start'd but
// not yet record_stop'd.
const PreliminaryLinkNameFormat = ".%s.%.8s.link-unfinished"

// LinkNameFormatShort is for links that are not signed, e.g. inspection
// links, e.g.:
//
//	fmt.Sprintf(LinkNameFormatShort, "untar")
//	// returns "untar.link"
const LinkNameFormatShort = "%s.link"

// LinkGlobFormat finds all links for a step regardless of which authorized
// key signed them, e.g. `write-code.????????.link`.
const LinkGlobFormat = "%s.????????.link"

// SublayoutLinkDirFormat is the directory under which a sublayout's own
// links are looked for during verification.
const SublayoutLinkDirFormat = "%s.%.8s"

/*
SupplyChainItem summarizes common fields of the two available supply chain
item types, Inspection and Step.
*/
type SupplyChainItem struct {
	Name              string     `json:"name"`
	ExpectedMaterials [][]string `json:"expected_materials"`
	ExpectedProducts  [][]string `json:"expected_products"`
}

/*
Inspection represents an in-toto supply chain inspection, whose command in
the Run field is executed by the verifier during final product verification,
generating unsigned link metadata.  Materials and products used/produced by
the inspection are constrained by the artifact rules in the inspection's
ExpectedMaterials and ExpectedProducts fields.
*/
type Inspection struct {
	Type string   `json:"_type"`
	Run  []string `json:"run"`
	SupplyChainItem
}

/*
Step represents an in-toto step of the supply chain performed by a
functionary.  During final product verification in-toto looks for
corresponding Link metadata, used as signed evidence that the step was
performed according to the supply chain definition.
*/
type Step struct {
	Type            string   `json:"_type"`
	PubKeys         []string `json:"pubkeys"`
	ExpectedCommand []string `json:"expected_command"`
	Threshold       int      `json:"threshold"`
	SupplyChainItem
}

// ISO8601DateSchema is the timestamp format used by Layout.Expires.
const ISO8601DateSchema = "2006-01-02T15:04:05Z"

/*
Layout represents the definition of a software supply chain.  It lists the
sequence of steps required in the software supply chain and the
functionaries authorized to perform these steps.  Functionaries are
identified by their public keys.  In addition, the layout may list a
sequence of inspections that are executed during in-toto supply chain
verification.
*/
type Layout struct {
	Type    string         `json:"_type"`
	Steps   []Step         `json:"steps"`
	Inspect []Inspection   `json:"inspect"`
	Keys    map[string]Key `json:"keys"`
	Expires string         `json:"expires"`
	Readme  string         `json:"readme"`
}

// StepsAsInterfaceSlice exists because Go does not allow passing []Step
// where []interface{} is expected.
func (l *Layout) StepsAsInterfaceSlice() []interface{} {
	stepsI := make([]interface{}, len(l.Steps))
	for i, v := range l.Steps {
		stepsI[i] = v
	}
	return stepsI
}

// InspectAsInterfaceSlice is the Inspection-slice analogue of
// StepsAsInterfaceSlice.
func (l *Layout) InspectAsInterfaceSlice() []interface{} {
	inspectionsI := make([]interface{}, len(l.Inspect))
	for i, v := range l.Inspect {
		inspectionsI[i] = v
	}
	return inspectionsI
}

/*
Metadata is implemented by both Metablock (the classic `{signed,
signatures}` container) and Envelope (the DSSE container), so the rest of
the package can treat a loaded file's signature container opaquely.
*/
type Metadata interface {
	Sign(Key) error
	VerifySignature(Key) error
	GetPayload() interface{}
	Sigs() []Signature
	GetSignatureForKeyID(string) (Signature, error)
	Dump(string) error
}

/*
Metablock is a generic container for signable in-toto objects such as Layout
or Link.  It has two fields, one that contains the signable object and one
that contains corresponding signatures.
*/
type Metablock struct {
	// NOTE: Whenever we want to access an attribute of `Signed` we have to
	// perform type assertion, e.g. `metablock.Signed.(Layout).Keys`, because
	// a link slot may turn out to hold a Layout (sublayout).
	Signed     interface{} `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

func decodeSignedPayload(raw json.RawMessage) (interface{}, error) {
	var typed map[string]interface{}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, err
	}

	switch typed["_type"] {
	case "link":
		var link Link
		if err := json.Unmarshal(raw, &link); err != nil {
			return nil, err
		}
		return link, nil
	case "layout":
		var layout Layout
		if err := json.Unmarshal(raw, &layout); err != nil {
			return nil, err
		}
		return layout, nil
	default:
		return nil, fmt.Errorf("the '_type' field of in-toto metadata must be one of 'link' or 'layout', got: %v", typed["_type"])
	}
}

/*
LoadMetadata reads the file at path and returns either a *Metablock or an
*Envelope, detected from the JSON shape: an envelope carries a top-level
"payloadType" key, a classic container does not.
*/
func LoadMetadata(path string) (Metadata, error) {
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]*json.RawMessage
	if err := json.Unmarshal(jsonBytes, &raw); err != nil {
		return nil, err
	}

	if _, ok := raw["payloadType"]; ok {
		env := &Envelope{}
		if err := json.Unmarshal(jsonBytes, env); err != nil {
			return nil, err
		}
		if env.PayloadType != PayloadType {
			return nil, fmt.Errorf("unsupported payloadType: %s", env.PayloadType)
		}
		payload, err := env.DecodePayload()
		if err != nil {
			return nil, err
		}
		env.decoded = payload
		return env, nil
	}

	mb := &Metablock{}
	if raw["signed"] == nil || raw["signatures"] == nil {
		return nil, fmt.Errorf("in-toto metadata requires 'signed' and 'signatures' parts")
	}
	if err := json.Unmarshal(*raw["signatures"], &mb.Signatures); err != nil {
		return nil, err
	}
	payload, err := decodeSignedPayload(*raw["signed"])
	if err != nil {
		return nil, err
	}
	mb.Signed = payload
	return mb, nil
}

/*
Load parses JSON formatted metadata at path into the Metablock on which it
was called.  It returns an error if path holds a DSSE envelope instead; use
LoadMetadata for a container-agnostic load.
*/
func (mb *Metablock) Load(path string) error {
	loaded, err := LoadMetadata(path)
	if err != nil {
		return err
	}
	asBlock, ok := loaded.(*Metablock)
	if !ok {
		return fmt.Errorf("%s is a DSSE envelope, not a classic metablock", path)
	}
	*mb = *asBlock
	return nil
}

/*
Dump JSON serializes and writes the Metablock on which it was called to the
passed path.
*/
func (mb *Metablock) Dump(path string) error {
	jsonBytes, err := json.MarshalIndent(mb, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, jsonBytes, 0644)
}

/*
GetSignableRepresentation returns the canonical JSON representation of the
Signed field of the Metablock on which it was called.
*/
func (mb *Metablock) GetSignableRepresentation() ([]byte, error) {
	return encodeCanonical(mb.Signed)
}

// GetPayload returns the Signed field, satisfying Metadata.
func (mb *Metablock) GetPayload() interface{} {
	return mb.Signed
}

// Sigs returns the Signatures field, satisfying Metadata.
func (mb *Metablock) Sigs() []Signature {
	return mb.Signatures
}

// GetSignatureForKeyID returns the signature created by the given keyid, if
// present.
func (mb *Metablock) GetSignatureForKeyID(keyID string) (Signature, error) {
	for _, s := range mb.Signatures {
		if s.KeyID == keyID {
			return s, nil
		}
	}
	return Signature{}, fmt.Errorf("no signature found for key '%s'", keyID)
}

/*
VerifySignature verifies the signature, corresponding to the passed Key,
that it finds in the Signatures field of the Metablock on which it was
called.
*/
func (mb *Metablock) VerifySignature(key Key) error {
	sig, err := mb.GetSignatureForKeyID(key.KeyID)
	if err != nil {
		return err
	}

	dataCanonical, err := mb.GetSignableRepresentation()
	if err != nil {
		return err
	}

	return VerifySignature(key, sig, dataCanonical)
}

/*
Sign creates a signature over the signed portion of the metablock using the
passed Key, and appends the resulting signature to Signatures.
*/
func (mb *Metablock) Sign(key Key) error {
	dataCanonical, err := mb.GetSignableRepresentation()
	if err != nil {
		return err
	}

	newSignature, err := GenerateSignature(dataCanonical, key)
	if err != nil {
		return err
	}

	mb.Signatures = append(mb.Signatures, newSignature)
	return nil
}

/*
ValidateMetablock ensures that a passed Metablock is well formed: its Signed
field is a valid Layout or Link, and its signatures look like signatures.
*/
func ValidateMetablock(mb Metablock) error {
	switch signed := mb.Signed.(type) {
	case Layout:
		if err := validateLayout(signed); err != nil {
			return err
		}
	case Link:
		if err := validateLink(signed); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown type '%T', should be 'Layout' or 'Link'", signed)
	}
	return validateSliceOfSignatures(mb.Signatures)
}

func validateHexString(str string) error {
	if str == "" {
		return fmt.Errorf("hex string must not be empty")
	}
	for _, r := range str {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return fmt.Errorf("'%s' is not a valid hex string", str)
		}
	}
	return nil
}

func validateSignature(sig Signature) error {
	if err := validateHexString(sig.KeyID); err != nil {
		return fmt.Errorf("invalid signature keyid: %s", err)
	}
	if err := validateHexString(sig.Sig); err != nil {
		return fmt.Errorf("invalid signature value: %s", err)
	}
	return nil
}

func validateSliceOfSignatures(sigs []Signature) error {
	for _, sig := range sigs {
		if err := validateSignature(sig); err != nil {
			return err
		}
	}
	return nil
}

func validateArtifacts(artifacts map[string]interface{}) error {
	for name, artifact := range artifacts {
		hashes, ok := artifact.(map[string]interface{})
		if !ok {
			return fmt.Errorf("artifact '%s' must be a map of hash algorithm to hex digest", name)
		}
		for algo, digest := range hashes {
			digestStr, ok := digest.(string)
			if !ok {
				return fmt.Errorf("in artifact '%s', %s hash value must be a string", name, algo)
			}
			if err := validateHexString(digestStr); err != nil {
				return fmt.Errorf("in artifact '%s', %s hash value: %s", name, algo, err)
			}
		}
	}
	return nil
}

func validateLink(link Link) error {
	if link.Type != "link" {
		return fmt.Errorf("invalid type for link '%s': should be 'link'", link.Name)
	}
	if err := validateArtifacts(link.Materials); err != nil {
		return fmt.Errorf("in materials of link '%s': %s", link.Name, err)
	}
	if err := validateArtifacts(link.Products); err != nil {
		return fmt.Errorf("in products of link '%s': %s", link.Name, err)
	}
	return nil
}

func validateArtifactRule(rule []string) error {
	_, err := UnpackRule(rule)
	return err
}

func validateSliceOfArtifactRules(rules [][]string) error {
	for _, rule := range rules {
		if err := validateArtifactRule(rule); err != nil {
			return err
		}
	}
	return nil
}

func validateSupplyChainItem(item SupplyChainItem) error {
	if item.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if err := validateSliceOfArtifactRules(item.ExpectedMaterials); err != nil {
		return fmt.Errorf("invalid material rule: %s", err)
	}
	if err := validateSliceOfArtifactRules(item.ExpectedProducts); err != nil {
		return fmt.Errorf("invalid product rule: %s", err)
	}
	return nil
}

func validateInspection(inspection Inspection) error {
	if err := validateSupplyChainItem(inspection.SupplyChainItem); err != nil {
		return fmt.Errorf("inspection %s", err)
	}
	if inspection.Type != "inspection" {
		return fmt.Errorf("invalid type for inspection '%s': should be 'inspection'", inspection.Name)
	}
	return nil
}

func validateStep(step Step) error {
	if err := validateSupplyChainItem(step.SupplyChainItem); err != nil {
		return fmt.Errorf("step %s", err)
	}
	if step.Type != "step" {
		return fmt.Errorf("invalid type for step '%s': should be 'step'", step.Name)
	}
	for _, keyID := range step.PubKeys {
		if err := validateHexString(keyID); err != nil {
			return err
		}
	}
	return nil
}

func validateLayoutKeys(keys map[string]Key) error {
	for keyID, key := range keys {
		if key.KeyID != keyID {
			return fmt.Errorf("layout.keys entry '%s' has mismatched embedded keyid '%s'", keyID, key.KeyID)
		}
		if err := validatePublicKey(key); err != nil {
			return err
		}
		for subKeyID, subkey := range key.Subkeys {
			if subkey.KeyID != subKeyID {
				return fmt.Errorf("subkey entry '%s' of key '%s' has mismatched embedded keyid '%s'", subKeyID, keyID, subkey.KeyID)
			}
		}
	}
	return nil
}

// validateStepKeysResolve ensures every keyid in a step's pubkeys list
// resolves within layout.keys, either directly or as a subkey of an entry.
func validateStepKeysResolve(step Step, keys map[string]Key) error {
	for _, keyID := range step.PubKeys {
		if _, ok := keys[keyID]; ok {
			continue
		}
		resolved := false
		for _, master := range keys {
			if _, ok := master.Subkeys[keyID]; ok {
				resolved = true
				break
			}
		}
		if !resolved {
			return fmt.Errorf("step '%s' authorizes unknown keyid '%s'", step.Name, keyID)
		}
	}
	return nil
}

/*
validateLayout ensures that a Layout is well formed: correct `_type`, a
parseable `expires`, valid keys, and unique, individually valid step and
inspection names.
*/
func validateLayout(layout Layout) error {
	if layout.Type != "layout" {
		return fmt.Errorf("invalid type for layout: should be 'layout'")
	}

	if _, err := time.Parse(ISO8601DateSchema, layout.Expires); err != nil {
		return fmt.Errorf("expires is not a valid ISO8601 UTC timestamp: %s", err)
	}

	if err := validateLayoutKeys(layout.Keys); err != nil {
		return err
	}

	namesSeen := make(map[string]bool)
	for _, step := range layout.Steps {
		if namesSeen[step.Name] {
			return fmt.Errorf("non-unique step or inspection name '%s'", step.Name)
		}
		namesSeen[step.Name] = true
		if err := validateStep(step); err != nil {
			return err
		}
		if err := validateStepKeysResolve(step, layout.Keys); err != nil {
			return err
		}
	}
	for _, inspection := range layout.Inspect {
		if namesSeen[inspection.Name] {
			return fmt.Errorf("non-unique step or inspection name '%s'", inspection.Name)
		}
		namesSeen[inspection.Name] = true
		if err := validateInspection(inspection); err != nil {
			return err
		}
	}
	return nil
}
