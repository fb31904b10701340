package in_toto

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	cx509 "crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

/*
GenerateSignature signs data with key and returns the resulting Signature,
dispatching on key.KeyType/key.Scheme. This is the single entry point
Metablock.Sign and Envelope.Sign funnel through.
*/
func GenerateSignature(data []byte, key Key) (Signature, error) {
	switch key.KeyType {
	case KeyTypeEd25519:
		return generateEd25519Signature(data, key)
	case KeyTypeRSA, KeyTypeECDSA:
		return generateSigstoreSignature(data, key)
	case KeyTypeGPG:
		return generateGPGSignature(data, key)
	default:
		return Signature{}, fmt.Errorf("key '%s': unsupported keytype '%s'", key.KeyID, key.KeyType)
	}
}

/*
VerifySignature checks sig over data using key, dispatching on
key.KeyType/key.Scheme.
*/
func VerifySignature(key Key, sig Signature, data []byte) error {
	switch key.KeyType {
	case KeyTypeEd25519:
		return verifyEd25519Signature(data, key, sig)
	case KeyTypeRSA, KeyTypeECDSA:
		return verifySigstoreSignature(data, key, sig)
	case KeyTypeGPG:
		return verifyGPGSignature(data, key, sig)
	default:
		return fmt.Errorf("key '%s': unsupported keytype '%s'", key.KeyID, key.KeyType)
	}
}

// --- ed25519 --------------------------------------------------------------
//
// No third-party library is used here: crypto/ed25519 is the complete and
// correct surface for this scheme, and in-toto keyvals store the raw
// hex-encoded key bytes directly, not a PEM/PKCS8 wrapper.

func generateEd25519Signature(data []byte, key Key) (Signature, error) {
	if key.Scheme != SchemeEd25519 {
		return Signature{}, fmt.Errorf("key '%s': scheme '%s' is not ed25519", key.KeyID, key.Scheme)
	}
	priv, err := hex.DecodeString(key.KeyVal.Private)
	if err != nil {
		return Signature{}, fmt.Errorf("key '%s': invalid private keyval: %s", key.KeyID, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("key '%s': ed25519 private key must be %d bytes, got %d",
			key.KeyID, ed25519.PrivateKeySize, len(priv))
	}

	sig := ed25519.Sign(ed25519.PrivateKey(priv), data)
	return Signature{
		KeyID: key.KeyID,
		Sig:   hex.EncodeToString(sig),
	}, nil
}

func verifyEd25519Signature(data []byte, key Key, sig Signature) error {
	pub, err := hex.DecodeString(key.KeyVal.Public)
	if err != nil {
		return fmt.Errorf("key '%s': invalid public keyval: %s", key.KeyID, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("key '%s': ed25519 public key must be %d bytes, got %d",
			key.KeyID, ed25519.PublicKeySize, len(pub))
	}
	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("key '%s': invalid signature encoding: %s", key.KeyID, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sigBytes) {
		return &SignatureVerificationError{KeyID: key.KeyID, Err: fmt.Errorf("ed25519 signature mismatch")}
	}
	return nil
}

// --- rsa / ecdsa via sigstore ----------------------------------------------
//
// KeyVal.Private/Public hold PEM text (PKCS8 for private keys, PKIX for
// public keys), the same convention tektoncd-chains' x509 signer uses.

func parsePSSOptions() *rsa.PSSOptions {
	return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
}

func rsaOrECDSASigner(key Key) (signature.SignerVerifier, error) {
	block, _ := pem.Decode([]byte(key.KeyVal.Private))
	if block == nil {
		return nil, fmt.Errorf("key '%s': private keyval is not PEM", key.KeyID)
	}
	priv, err := cx509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key '%s': %s", key.KeyID, err)
	}

	switch k := priv.(type) {
	case *ecdsa.PrivateKey:
		return signature.LoadECDSASignerVerifier(k, crypto.SHA256)
	case *rsa.PrivateKey:
		if key.Scheme == SchemeRSASSAPSSSHA256 {
			return signature.LoadRSAPSSSignerVerifier(k, crypto.SHA256, parsePSSOptions())
		}
		return signature.LoadRSAPKCS1v15SignerVerifier(k, crypto.SHA256)
	default:
		return nil, fmt.Errorf("key '%s': unsupported private key type %T", key.KeyID, priv)
	}
}

func rsaOrECDSAVerifier(key Key) (signature.Verifier, error) {
	block, _ := pem.Decode([]byte(key.KeyVal.Public))
	if block == nil {
		return nil, fmt.Errorf("key '%s': public keyval is not PEM", key.KeyID)
	}
	pub, err := cx509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key '%s': %s", key.KeyID, err)
	}

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return signature.LoadECDSAVerifier(k, crypto.SHA256)
	case *rsa.PublicKey:
		if key.Scheme == SchemeRSASSAPSSSHA256 {
			return signature.LoadRSAPSSVerifier(k, crypto.SHA256, parsePSSOptions())
		}
		return signature.LoadRSAPKCS1v15Verifier(k, crypto.SHA256)
	default:
		return nil, fmt.Errorf("key '%s': unsupported public key type %T", key.KeyID, pub)
	}
}

func generateSigstoreSignature(data []byte, key Key) (Signature, error) {
	signer, err := rsaOrECDSASigner(key)
	if err != nil {
		return Signature{}, err
	}
	sigBytes, err := signer.SignMessage(bytes.NewReader(data))
	if err != nil {
		return Signature{}, fmt.Errorf("key '%s': signing failed: %s", key.KeyID, err)
	}
	return Signature{KeyID: key.KeyID, Sig: hex.EncodeToString(sigBytes)}, nil
}

func verifySigstoreSignature(data []byte, key Key, sig Signature) error {
	verifier, err := rsaOrECDSAVerifier(key)
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("key '%s': invalid signature encoding: %s", key.KeyID, err)
	}
	if err := verifier.VerifySignature(bytes.NewReader(sigBytes), bytes.NewReader(data)); err != nil {
		return &SignatureVerificationError{KeyID: key.KeyID, Err: err}
	}
	return nil
}

// --- pgp via golang.org/x/crypto/openpgp -----------------------------------

/*
gpgEntityToKey converts entity to an in-toto Key. KeyVal.Public carries the
full entity serialization (primary key, identities, self-signatures, and
subkeys) rather than a bare public key packet: openpgp.ReadEntity requires at
least one Identity packet to parse an entity at all, and a subkey's
cryptographic material only verifies against a signature once its binding
signature (itself bound to an identity) is present. Every signing-capable
subkey is also recorded under Subkeys so threshold/authorization bookkeeping
can key off its own keyid, but its KeyVal.Public is the same full-entity
blob — verifyGPGSignature locates the actual subkey inside it by issuer
keyid rather than expecting a standalone single-key entity.
*/
func gpgEntityToKey(entity *openpgp.Entity) (Key, error) {
	var pubArmor bytes.Buffer
	w, err := armor.Encode(&pubArmor, openpgp.PublicKeyType, nil)
	if err != nil {
		return Key{}, err
	}
	if err := entity.Serialize(w); err != nil {
		return Key{}, err
	}
	if err := w.Close(); err != nil {
		return Key{}, err
	}

	key := Key{
		KeyID:               entity.PrimaryKey.KeyIdString(),
		KeyType:             KeyTypeGPG,
		Scheme:              SchemePGPRSA,
		KeyIDHashAlgorithms: DefaultKeyIDHashAlgorithms,
		KeyVal:              KeyVal{Public: pubArmor.String()},
	}

	subkeys := map[string]Key{}
	for _, sub := range entity.Subkeys {
		if sub.Sig == nil || !sub.Sig.FlagSign {
			continue
		}
		subkeys[sub.PublicKey.KeyIdString()] = Key{
			KeyID:               sub.PublicKey.KeyIdString(),
			KeyType:             KeyTypeGPG,
			Scheme:              SchemePGPRSA,
			KeyIDHashAlgorithms: DefaultKeyIDHashAlgorithms,
			KeyVal:              KeyVal{Public: pubArmor.String()},
		}
	}
	if len(subkeys) > 0 {
		key.Subkeys = subkeys
	}
	return key, nil
}

// gpgSigExpired reports whether the entity's self-signature (or, for a
// subkey, the subkey binding signature) carries an expiration that has
// already passed, mirroring get_pubkey_bundle's expiration handling in the
// original Python gpg/common.py.
func gpgSigExpired(sig *packet.Signature, creation time.Time) bool {
	if sig == nil || sig.KeyLifetimeSecs == nil {
		return false
	}
	expiry := creation.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second)
	return time.Now().After(expiry)
}

func entityExpired(entity *openpgp.Entity) bool {
	for _, ident := range entity.Identities {
		if ident.SelfSignature != nil {
			if gpgSigExpired(ident.SelfSignature, entity.PrimaryKey.CreationTime) {
				return true
			}
		}
	}
	return false
}

func subkeyExpired(sub openpgp.Subkey) bool {
	return gpgSigExpired(sub.Sig, sub.PublicKey.CreationTime)
}

func readArmoredPrivateEntity(armored string) (*openpgp.Entity, error) {
	entityList, err := openpgp.ReadArmoredKeyRing(bytes.NewReader([]byte(armored)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse gpg private key: %s", err)
	}
	if len(entityList) != 1 {
		return nil, fmt.Errorf("expected exactly one entity in gpg private key ring, got %d", len(entityList))
	}
	return entityList[0], nil
}

func readArmoredPublicEntity(armored string) (*openpgp.Entity, error) {
	return readArmoredPrivateEntity(armored)
}

/*
generateGPGSignature produces a detached OpenPGP signature over data using
the Key's armored private keyring (KeyVal.Private). The wire format here is
a simplification of the upstream {keyid, sig, other_headers} tuple (which
splits the raw hashed/unhashed subpacket trailer out of the signature
packet): this package hex-encodes the full serialized signature packet into
Sig and leaves OtherHeaders empty, since verification only ever happens
against this same library's VerifySignature.
*/
func generateGPGSignature(data []byte, key Key) (Signature, error) {
	entity, err := readArmoredPrivateEntity(key.KeyVal.Private)
	if err != nil {
		return Signature{}, err
	}
	if entityExpired(entity) {
		return Signature{}, &KeyExpirationError{KeyID: key.KeyID}
	}

	var sigBuf bytes.Buffer
	if err := openpgp.DetachSign(&sigBuf, entity, bytes.NewReader(data), nil); err != nil {
		return Signature{}, fmt.Errorf("key '%s': gpg signing failed: %s", key.KeyID, err)
	}
	return Signature{KeyID: key.KeyID, Sig: hex.EncodeToString(sigBuf.Bytes())}, nil
}

func verifyGPGSignature(data []byte, key Key, sig Signature) error {
	entity, err := readArmoredPublicEntity(key.KeyVal.Public)
	if err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("key '%s': invalid signature encoding: %s", key.KeyID, err)
	}

	sigPacket, err := readSignaturePacket(sigBytes)
	if err != nil {
		return fmt.Errorf("key '%s': %s", key.KeyID, err)
	}
	if signingKeyExpired(entity, sigPacket) {
		return &KeyExpirationError{KeyID: key.KeyID}
	}

	keyring := openpgp.EntityList{entity}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(sigBytes), nil); err != nil {
		return &SignatureVerificationError{KeyID: key.KeyID, Err: err}
	}
	return nil
}

func readSignaturePacket(sigBytes []byte) (*packet.Signature, error) {
	pkt, err := packet.Read(bytes.NewReader(sigBytes))
	if err != nil {
		return nil, fmt.Errorf("invalid gpg signature packet: %s", err)
	}
	sigPacket, ok := pkt.(*packet.Signature)
	if !ok {
		return nil, fmt.Errorf("expected a signature packet, got %T", pkt)
	}
	return sigPacket, nil
}

/*
signingKeyExpired reports whether the specific key that produced sig (the
primary, or one of entity's subkeys, identified by the signature's issuer
keyid) has expired — not whether the entity's primary identity has. This
lets a signature from a still-valid subkey verify even when the primary's
self-signature has expired, matching gpg's own "a subkey outlives its
binding, not its primary's identity expiration" behavior.
*/
func signingKeyExpired(entity *openpgp.Entity, sig *packet.Signature) bool {
	if sig.IssuerKeyId == nil || *sig.IssuerKeyId == entity.PrimaryKey.KeyId {
		return entityExpired(entity)
	}
	for _, sub := range entity.Subkeys {
		if sub.PublicKey.KeyId == *sig.IssuerKeyId {
			return subkeyExpired(sub)
		}
	}
	return entityExpired(entity)
}
