package in_toto

import (
	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

/*
encodeCanonical produces the exact byte sequence over which in-toto
signatures are computed: objects in ascending lexicographic key order,
shortest-decimal-form integers, JSON-escaped strings, no locale dependence.
The heavy lifting is delegated to go-securesystemslib/cjson, the same
canonicalization upstream in-toto-golang signs over, so link and layout
signatures produced by this package interoperate with other in-toto
implementations.
*/
func encodeCanonical(obj interface{}) ([]byte, error) {
	return cjson.EncodeCanonical(obj)
}
