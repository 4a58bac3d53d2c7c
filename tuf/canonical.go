// Package tuf implements the canonical-JSON encoding, signature primitives
// and role verification used by the Uptane client. See the TUF spec
// https://github.com/theupdateframework/tuf/blob/develop/docs/tuf-spec.txt
// and the Uptane spec https://uptane.github.io/uptane-standard/.
package tuf

import (
	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

// errCanonicalJSON is returned when a value cannot be canonicalized, e.g.
// because it contains a float, NaN or Inf.
var errCanonicalJSON = errors.New("value cannot be represented as canonical JSON")

// canonical returns the canonical-JSON encoding of v: object keys sorted
// lexicographically, no insignificant whitespace, numbers as integers only.
// This is the exact byte sequence that gets signed and verified.
func canonical(v interface{}) ([]byte, error) {
	b, err := cjson.MarshalCanonical(v)
	if err != nil {
		return nil, errors.Wrap(errCanonicalJSON, err.Error())
	}
	return b, nil
}
