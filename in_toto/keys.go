package in_toto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	cx509 "crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/openpgp"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyTypeEd25519, KeyTypeRSA, KeyTypeECDSA, and KeyTypeGPG are the four
// keytype values this package understands.
const (
	KeyTypeEd25519 = "ed25519"
	KeyTypeRSA     = "rsa"
	KeyTypeECDSA   = "ecdsa"
	KeyTypeGPG     = "gpg"
)

// SchemeEd25519, SchemeRSASSAPSSSHA256, SchemeECDSASHA2NISTP256, and
// SchemePGPRSA identify the signature scheme paired with a keytype.
const (
	SchemeEd25519           = "ed25519"
	SchemeRSASSAPSSSHA256   = "rsassa-pss-sha256"
	SchemeRSAPKCS1v15SHA256 = "rsa-pkcs1v15-sha256"
	SchemeECDSASHA2NISTP256 = "ecdsa-sha2-nistp256"
	SchemePGPRSA            = "pgp+rsa-pkcsv1.5"
)

// DefaultKeyIDHashAlgorithms is used when a Key omits
// `keyid_hash_algorithms`, matching in_toto/formats.py's schema default.
var DefaultKeyIDHashAlgorithms = []string{"sha256"}

// validatePublicKey performs the structural checks the in-toto key schema
// requires: non-empty keyid, a recognized keytype/scheme pairing, and a
// present public value.
func validatePublicKey(key Key) error {
	if err := validateHexString(key.KeyID); err != nil {
		return fmt.Errorf("invalid keyid: %s", err)
	}
	if key.KeyVal.Public == "" {
		return fmt.Errorf("key '%s' is missing a public value", key.KeyID)
	}

	algos := key.KeyIDHashAlgorithms
	if len(algos) == 0 {
		algos = DefaultKeyIDHashAlgorithms
	}
	if !subsetCheck(algos, []string{"sha256", "sha512"}) {
		return fmt.Errorf("key '%s' has unsupported keyid_hash_algorithms %v", key.KeyID, algos)
	}

	switch key.KeyType {
	case KeyTypeEd25519:
		if key.Scheme != SchemeEd25519 {
			return fmt.Errorf("key '%s': keytype 'ed25519' requires scheme 'ed25519'", key.KeyID)
		}
	case KeyTypeRSA:
		if key.Scheme != SchemeRSASSAPSSSHA256 && key.Scheme != SchemeRSAPKCS1v15SHA256 {
			return fmt.Errorf("key '%s': unsupported rsa scheme '%s'", key.KeyID, key.Scheme)
		}
	case KeyTypeECDSA:
		if key.Scheme != SchemeECDSASHA2NISTP256 {
			return fmt.Errorf("key '%s': unsupported ecdsa scheme '%s'", key.KeyID, key.Scheme)
		}
	case KeyTypeGPG:
		if key.Scheme != SchemePGPRSA {
			return fmt.Errorf("key '%s': unsupported gpg scheme '%s'", key.KeyID, key.Scheme)
		}
	default:
		return fmt.Errorf("key '%s': unsupported keytype '%s'", key.KeyID, key.KeyType)
	}
	return nil
}

/*
computeKeyID returns the sha256 hex digest of the canonical JSON
representation of the portion of a Key that identifies it cryptographically
(keytype, scheme, keyval.public), matching the upstream in-toto keyid
derivation. It ignores any previously-set KeyID field, deriving it fresh.
*/
func computeKeyID(key Key) (string, error) {
	trimmed := Key{
		KeyType: key.KeyType,
		Scheme:  key.Scheme,
		KeyVal:  KeyVal{Public: key.KeyVal.Public},
	}
	canonical, err := encodeCanonical(trimmed)
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}

// LoadKeyFromFile reads a key from path, in either of the two forms this
// package writes: a PEM-encoded key (public or private), or the full JSON Key
// document in-toto-keygen writes to its private-key output file. scheme
// selects the signature scheme to record on the Key when reading raw PEM (a
// PEM block doesn't itself say "pss" vs "pkcs1v15"); it is ignored for a JSON
// Key document, which already carries its own scheme.
func LoadKeyFromFile(path, keyType, scheme string) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Key{}, err
	}

	if jsonKey, ok := tryDecodeJSONKey(raw); ok {
		return jsonKey, nil
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return Key{}, fmt.Errorf("%s does not contain PEM data", path)
	}

	key := Key{
		KeyType:             keyType,
		Scheme:              scheme,
		KeyIDHashAlgorithms: DefaultKeyIDHashAlgorithms,
	}

	switch keyType {
	case KeyTypeEd25519:
		if len(block.Bytes) == ed25519.PrivateKeySize {
			priv := ed25519.PrivateKey(block.Bytes)
			pub := priv.Public().(ed25519.PublicKey)
			key.KeyVal = KeyVal{
				Private: hex.EncodeToString(priv),
				Public:  hex.EncodeToString(pub),
			}
		} else {
			key.KeyVal = KeyVal{Public: hex.EncodeToString(block.Bytes)}
		}
	default:
		// RSA and ECDSA keys keep their PEM encoding verbatim; the
		// signer/verifier adapters parse PEM directly.
		if isPrivatePEMBlock(block.Type) {
			key.KeyVal = KeyVal{Private: string(raw)}
		} else {
			key.KeyVal = KeyVal{Public: string(raw)}
		}
	}

	keyID, err := computeKeyID(key)
	if err != nil {
		return Key{}, err
	}
	key.KeyID = keyID
	return key, nil
}

// LoadKeyFromJSON reads a key serialized in the in-toto public-key JSON shape
// (`{"keyid","keytype","scheme","keyval":{"public"}}`) from path. This is how
// layout verification root keys and step pubkeys are normally distributed,
// as opposed to the raw PEM a signer loads its own key material from.
func LoadKeyFromJSON(path string) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Key{}, err
	}
	var key Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return Key{}, fmt.Errorf("%s does not contain a valid in-toto key: %s", path, err)
	}
	if err := validatePublicKey(key); err != nil {
		return Key{}, err
	}
	return key, nil
}

// tryDecodeJSONKey reports whether raw is a full Key JSON document (the form
// in-toto-keygen writes) rather than a raw PEM file, recomputing KeyID from
// its public portion so a hand-edited file can't smuggle in a stale id.
func tryDecodeJSONKey(raw []byte) (Key, bool) {
	var key Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return Key{}, false
	}
	if key.KeyType == "" || key.KeyVal.Public == "" {
		return Key{}, false
	}
	keyID, err := computeKeyID(key)
	if err != nil {
		return Key{}, false
	}
	key.KeyID = keyID
	return key, true
}

func isPrivatePEMBlock(blockType string) bool {
	switch blockType {
	case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
		return true
	default:
		return false
	}
}

// ReverseSubkeyMap returns, for every subkey nested under any master key in
// keys, a mapping from the subkey's keyid to its master's keyid. Used by the
// threshold checker to resolve a link signed by a subkey back to the master
// key entry a step's pubkeys list actually authorizes.
func ReverseSubkeyMap(keys map[string]Key) map[string]string {
	reverse := make(map[string]string)
	for masterID, master := range keys {
		for subID := range master.Subkeys {
			reverse[subID] = masterID
		}
	}
	return reverse
}

/*
ResolveKey looks up keyID directly in keys, falling back to the master key
of a subkey if keyID names a subkey instead. For a GPG subkey, the Key
returned for verification is the master's own record (full Subkeys map
intact): a GPG master and its subkeys share one exported keyring blob, so
the master's KeyVal.Public already carries whatever subkey actually signed,
and is what verifyGPGSignature needs to locate it by issuer keyid (see
gpgEntityToKey). Other keytypes have no such shared-blob relationship, so a
non-GPG subkey's own KeyVal is returned instead. Either way the second
return value is the id of the authorizing entry (the master's id when
resolved via a subkey, or keyID itself otherwise).
*/
func ResolveKey(keyID string, keys map[string]Key) (key Key, authorizingID string, ok bool) {
	if k, found := keys[keyID]; found {
		return k, keyID, true
	}
	for masterID, master := range keys {
		sub, found := master.Subkeys[keyID]
		if !found {
			continue
		}
		if master.KeyType == KeyTypeGPG {
			return master, masterID, true
		}
		return sub, masterID, true
	}
	return Key{}, "", false
}

/*
GenerateKeyPair creates a fresh keypair for keyType ("ed25519", "rsa", or
"ecdsa"), returning a single Key carrying both KeyVal.Private and
KeyVal.Public. scheme must be one of the schemes validatePublicKey accepts
for keyType. rsaBits is only consulted for keyType "rsa" (a value <= 0 uses
2048). Callers that need separate private/public files split KeyVal
themselves before writing.
*/
func GenerateKeyPair(keyType, scheme string, rsaBits int) (Key, error) {
	key := Key{
		KeyType:             keyType,
		Scheme:              scheme,
		KeyIDHashAlgorithms: DefaultKeyIDHashAlgorithms,
	}

	switch keyType {
	case KeyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return Key{}, err
		}
		key.KeyVal = KeyVal{
			Private: hex.EncodeToString(priv),
			Public:  hex.EncodeToString(pub),
		}

	case KeyTypeRSA:
		if rsaBits <= 0 {
			rsaBits = 2048
		}
		priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return Key{}, err
		}
		privPEM, pubPEM, err := pemEncodeKeyPair(priv, &priv.PublicKey)
		if err != nil {
			return Key{}, err
		}
		key.KeyVal = KeyVal{Private: privPEM, Public: pubPEM}

	case KeyTypeECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return Key{}, err
		}
		privPEM, pubPEM, err := pemEncodeKeyPair(priv, &priv.PublicKey)
		if err != nil {
			return Key{}, err
		}
		key.KeyVal = KeyVal{Private: privPEM, Public: pubPEM}

	default:
		return Key{}, fmt.Errorf("unsupported keytype for generation: '%s'", keyType)
	}

	keyID, err := computeKeyID(key)
	if err != nil {
		return Key{}, err
	}
	key.KeyID = keyID
	return key, nil
}

func pemEncodeKeyPair(priv interface{}, pub interface{}) (privPEM, pubPEM string, err error) {
	privBytes, err := cx509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	pubBytes, err := cx509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", err
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
	return privPEM, pubPEM, nil
}

// PublicOnly returns a copy of key with its private key material stripped,
// the form a layout's `keys` map or a verifier's trust root should carry.
func (k Key) PublicOnly() Key {
	pub := k
	pub.KeyVal = KeyVal{Public: k.KeyVal.Public}
	if len(k.Subkeys) > 0 {
		pub.Subkeys = make(map[string]Key, len(k.Subkeys))
		for id, sub := range k.Subkeys {
			pub.Subkeys[id] = sub.PublicOnly()
		}
	}
	return pub
}

// LoadGPGKeyFromFile reads an armored OpenPGP key ring containing exactly
// one entity and returns it as an in-toto Key, with its signing-capable
// subkeys (if any) attached under Subkeys, keyed by their own keyid. This is
// how master/subkey delegation described in a layout's `keys` map is
// populated from a real keyring.
func LoadGPGKeyFromFile(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, err
	}
	defer f.Close()

	entityList, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return Key{}, fmt.Errorf("failed to parse gpg key ring: %s", err)
	}
	if len(entityList) != 1 {
		return Key{}, fmt.Errorf("expected exactly one entity in gpg key ring, got %d", len(entityList))
	}

	return gpgEntityToKey(entityList[0])
}
