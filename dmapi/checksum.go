package dmapi

import (
	"strings"
)

// DefaultHashAlgorithm is assumed when a checksum string carries no "algorithm:" prefix.
const DefaultHashAlgorithm = "sha256"

var supportedHashAlgorithms = map[string]struct{}{
	"md5":    {},
	"sha1":   {},
	"sha256": {},
	"sha512": {},
}

// SupportedHashAlgorithm reports whether the named digest algorithm is known.
func SupportedHashAlgorithm(name string) bool {
	_, ok := supportedHashAlgorithms[strings.ToLower(name)]
	return ok
}

// Checksum is a parsed artifact digest expectation.
// The zero value means "no claim about content"; see IsZero.
type Checksum struct {
	Algorithm string // lowercased algorithm name, e.g. "sha256".
	Hex       string // lowercased hex digest.
}

func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algorithm + ":" + c.Hex
}

// ParseChecksum parses a checksum string of the form "algorithm:hexdigest",
// or a bare hex digest (the algorithm defaults to sha256).
// The empty string parses to the zero Checksum, meaning verification is a no-op.
//
// Errors:
//
//    - datman-error-config -- when the algorithm is not supported
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, nil
	}
	algo, hex := DefaultHashAlgorithm, s
	if i := strings.Index(s, ":"); i >= 0 {
		algo, hex = strings.ToLower(s[:i]), s[i+1:]
	}
	if !SupportedHashAlgorithm(algo) {
		return Checksum{}, ErrorConfig("unsupported hash algorithm: "+algo,
			[2]string{"algorithm", algo})
	}
	return Checksum{Algorithm: algo, Hex: strings.ToLower(hex)}, nil
}
