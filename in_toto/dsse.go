package in_toto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// PayloadType is the only payload type this package produces or accepts in
// a DSSE envelope.
const PayloadType = "application/vnd.in-toto+json"

/*
Envelope is a DSSE (Dead Simple Signing Envelope,
https://github.com/secure-systems-lab/dsse) container for in-toto Link and
Layout metadata.  Unlike Metablock, the signed bytes are the raw JSON of the
payload wrapped in the DSSE Pre-Authentication Encoding, not the payload's
canonical-JSON form; this lets an envelope be signed without requiring the
verifier to re-derive the exact byte sequence the signer saw.
*/
type Envelope struct {
	PayloadType string      `json:"payloadType"`
	Payload     string      `json:"payload"`
	Signatures  []Signature `json:"signatures"`

	// decoded caches the JSON-decoded, typed payload (Link or Layout) so
	// repeated calls to GetPayload don't redecode the base64 blob.
	decoded interface{} `json:"-"`
}

/*
PAE computes the DSSE Pre-Authentication Encoding for the given payload type
and payload bytes:

	"DSSEv1" + SP + LEN(type) + SP + type + SP + LEN(body) + SP + body

where LEN() is the ASCII decimal encoding of the byte length of the field
that follows, and SP is a single space (0x20). This is hand-constructed
rather than delegated to a third-party helper, since the DSSE spec nails the
format down to the byte and this package's signatures must interoperate
exactly with other DSSE implementations.
*/
func PAE(payloadType string, payload []byte) []byte {
	pae := "DSSEv1 " +
		strconv.Itoa(len(payloadType)) + " " + payloadType + " " +
		strconv.Itoa(len(payload)) + " "
	out := make([]byte, 0, len(pae)+len(payload))
	out = append(out, []byte(pae)...)
	out = append(out, payload...)
	return out
}

// SetPayload JSON-marshals obj (a Link or Layout) and stores it, base64
// encoded, as the envelope's payload. The JSON produced here need not be
// canonical: DSSE signs over the encoded bytes directly via PAE, not over a
// canonicalized re-derivation of obj.
func (e *Envelope) SetPayload(obj interface{}) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	e.PayloadType = PayloadType
	e.Payload = base64.StdEncoding.EncodeToString(raw)
	e.decoded = obj
	return nil
}

// DecodePayload base64-decodes and JSON-decodes the envelope's payload into
// a Link or Layout, dispatching on the payload's `_type` field.
func (e *Envelope) DecodePayload() (interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope payload is not valid base64: %s", err)
	}
	return decodeSignedPayload(raw)
}

// rawPayloadBytes returns the base64-decoded payload bytes, the exact bytes
// over which PAE (and therefore the signature) was computed.
func (e *Envelope) rawPayloadBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Payload)
}

// GetPayload returns the decoded Link or Layout, satisfying Metadata.
func (e *Envelope) GetPayload() interface{} {
	if e.decoded == nil {
		payload, err := e.DecodePayload()
		if err == nil {
			e.decoded = payload
		}
	}
	return e.decoded
}

// Sigs returns the envelope's signatures, satisfying Metadata.
func (e *Envelope) Sigs() []Signature {
	return e.Signatures
}

// GetSignatureForKeyID returns the signature created by the given keyid, if
// present.
func (e *Envelope) GetSignatureForKeyID(keyID string) (Signature, error) {
	for _, s := range e.Signatures {
		if s.KeyID == keyID {
			return s, nil
		}
	}
	return Signature{}, fmt.Errorf("no signature found for key '%s'", keyID)
}

// Sign signs the envelope's PAE-encoded payload with the passed Key and
// appends the resulting signature.
func (e *Envelope) Sign(key Key) error {
	payload, err := e.rawPayloadBytes()
	if err != nil {
		return err
	}
	sig, err := GenerateSignature(PAE(e.PayloadType, payload), key)
	if err != nil {
		return err
	}
	e.Signatures = append(e.Signatures, sig)
	return nil
}

// VerifySignature verifies the signature corresponding to the passed Key
// over the envelope's PAE-encoded payload.
func (e *Envelope) VerifySignature(key Key) error {
	sig, err := e.GetSignatureForKeyID(key.KeyID)
	if err != nil {
		return err
	}
	payload, err := e.rawPayloadBytes()
	if err != nil {
		return err
	}
	return VerifySignature(key, sig, PAE(e.PayloadType, payload))
}

// Dump JSON serializes and writes the Envelope on which it was called to
// the passed path.
func (e *Envelope) Dump(path string) error {
	jsonBytes, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, jsonBytes, 0644)
}

// dsseSignature is the wire shape of a DSSE envelope signature: unlike a
// classic Metablock signature, `sig` is base64-std rather than hex. Internally
// every Signature.Sig this package produces is hex (GenerateSignature's
// output), so MarshalJSON/UnmarshalJSON transcode at the envelope boundary
// rather than forcing a second signature representation through the rest of
// the package.
type dsseSignature struct {
	KeyID        string `json:"keyid"`
	Sig          string `json:"sig"`
	OtherHeaders string `json:"other_headers,omitempty"`
}

type envelopeWire struct {
	PayloadType string          `json:"payloadType"`
	Payload     string          `json:"payload"`
	Signatures  []dsseSignature `json:"signatures"`
}

// MarshalJSON transcodes Signatures' hex `sig` values to base64-std for the
// wire, matching the DSSE envelope JSON shape.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	wire := envelopeWire{
		PayloadType: e.PayloadType,
		Payload:     e.Payload,
		Signatures:  make([]dsseSignature, len(e.Signatures)),
	}
	for i, sig := range e.Signatures {
		raw, err := hex.DecodeString(sig.Sig)
		if err != nil {
			return nil, fmt.Errorf("signature for key '%s' is not valid hex: %s", sig.KeyID, err)
		}
		wire.Signatures[i] = dsseSignature{
			KeyID:        sig.KeyID,
			Sig:          base64.StdEncoding.EncodeToString(raw),
			OtherHeaders: sig.OtherHeaders,
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON transcodes the wire's base64-std `sig` values back to hex,
// the representation the rest of this package assumes.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.PayloadType = wire.PayloadType
	e.Payload = wire.Payload
	e.Signatures = make([]Signature, len(wire.Signatures))
	for i, sig := range wire.Signatures {
		raw, err := base64.StdEncoding.DecodeString(sig.Sig)
		if err != nil {
			return fmt.Errorf("signature for key '%s' is not valid base64: %s", sig.KeyID, err)
		}
		e.Signatures[i] = Signature{
			KeyID:        sig.KeyID,
			Sig:          hex.EncodeToString(raw),
			OtherHeaders: sig.OtherHeaders,
		}
	}
	return nil
}
