// Package digest computes and checks artifact digests.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/warptools/datman/dmapi"
)

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, dmapi.ErrorConfig("unsupported hash algorithm: "+algorithm,
		[2]string{"algorithm", algorithm})
}

// Sum streams the file at path through the named hash algorithm
// and returns the lowercased hex digest.
//
// Errors:
//
//    - datman-error-config -- when the algorithm is not supported
//    - datman-error-io -- when the file cannot be read
func Sum(path string, algorithm string) (string, error) {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", dmapi.ErrorIo("cannot open file for hashing", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", dmapi.ErrorIo("cannot read file for hashing", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify reports whether the file at path matches the expected checksum string
// (see dmapi.ParseChecksum for accepted forms).  An empty checksum, or
// skip=true, short-circuits to success without reading the file at all:
// no claim about content is being made.
// Hex comparison is case-insensitive.
//
// Errors:
//
//    - datman-error-config -- when the checksum names an unsupported algorithm
//    - datman-error-io -- when the file cannot be read
func Verify(path string, checksum string, skip bool) (bool, error) {
	if skip {
		return true, nil
	}
	expected, err := dmapi.ParseChecksum(checksum)
	if err != nil {
		return false, err
	}
	if expected.IsZero() {
		return true, nil
	}
	actual, err := Sum(path, expected.Algorithm)
	if err != nil {
		return false, err
	}
	return actual == expected.Hex, nil
}
