package dmapi

import (
	"encoding/json"
	"os"

	"github.com/serum-errors/go-serum"
)

const (
	ECodeConfig        = "datman-error-config"
	ECodeIo            = "datman-error-io"
	ECodeIntegrity     = "datman-error-integrity"
	ECodeMissing       = "datman-error-missing"
	ECodeFetch         = "datman-error-fetch"
	ECodeExtract       = "datman-error-extract"
	ECodeKvParse       = "datman-error-kv-parse"
	ECodeCacheMiss     = "datman-error-cache-miss"
	ECodeWorkspace     = "datman-error-workspace"
	ECodeSerialization = "datman-error-serialization"
	ECodeInternal      = "datman-error-internal"
	ECodeUnknown       = "datman-error-unknown"
)

// Error is the interface type all of this package's error constructors return.
type Error = serum.ErrorInterface

// TerminalError emits an error on stdout as json, and halts immediately.
// In most cases, you should not use this method; there will be a better place
// to send errors that fits surrounding protocols and scripts better.
// It exists for init paths where no other protocol is established yet.
func TerminalError(err serum.ErrorInterface, exitCode int) {
	json.NewEncoder(os.Stdout).Encode(struct {
		Error serum.ErrorInterface `json:"error"`
	}{err})
	os.Exit(exitCode)
}

// ErrorUnknown is returned when an unknown error occurs
//
// Errors:
//
//    - datman-error-unknown --
func ErrorUnknown(msg string, cause error) error {
	return serum.Errorf(ECodeUnknown, "%s: %w", msg, cause)
}

// ErrorInternal is for miscellaneous errors that should be handled internally.
// In most cases, prefer to use more specific errors.
// Can be used when an end user is not expected to have viable intervention strategies.
//
// Errors:
//
//    - datman-error-internal --
func ErrorInternal(msg string, cause error) error {
	return serum.Errorf(ECodeInternal, "%s: %w", msg, cause)
}

// ErrorIo wraps generic I/O errors from the Go stdlib
//
// Errors:
//
//    - datman-error-io --
func ErrorIo(context string, path string, cause error) error {
	result := serum.Errorf(ECodeIo, "io error: %s: %w", context, cause)
	addDetails(result, [][2]string{{"context", context}, {"path", path}})
	return result
}

// ErrorWorkspace is returned when an error occurs while handling a managed root directory
//
// Errors:
//
//    - datman-error-workspace --
func ErrorWorkspace(rootPath string, cause error) error {
	result := serum.Errorf(ECodeWorkspace,
		"error handling dataset root at %q: %w", rootPath, cause)
	addDetails(result, [][2]string{
		{"rootPath", rootPath},
	})
	return result
}

// ErrorConfig is returned when the caller handed us something structurally unusable:
// an unsupported hash algorithm, an unsupported archive kind, a nil patch function.
// These are never retried.
//
// Errors:
//
//    - datman-error-config --
func ErrorConfig(reason string, deets ...[2]string) error {
	opts := make([]serum.WithConstruction, 0, len(deets)+1)
	for _, d := range deets {
		opts = append(opts, serum.WithDetail(d[0], d[1]))
	}
	opts = append(opts, serum.WithMessageLiteral(reason))
	return serum.Error(ECodeConfig, opts...)
}

// ErrorIntegrity is returned when a freshly downloaded artifact fails digest verification.
// The partial download has already been removed by the time this error is returned.
//
// Errors:
//
//    - datman-error-integrity --
func ErrorIntegrity(path string, expected string, actual string) error {
	return serum.Error(ECodeIntegrity,
		serum.WithMessageTemplate("digest of downloaded file {{path|q}} does not match: expected {{expected}}, got {{actual}}. Try downloading again; if the problem persists, disable verification at your own risk."),
		serum.WithDetail("path", path),
		serum.WithDetail("expected", expected),
		serum.WithDetail("actual", actual),
	)
}

// ErrorMissing is used when an expected file does not exist
//
// Errors:
//
//    - datman-error-missing --
func ErrorMissing(path string) error {
	return serum.Error(ECodeMissing,
		serum.WithMessageTemplate("file missing at path: {{path|q}}"),
		serum.WithDetail("path", path),
	)
}

// ErrorFetch is returned when transferring an artifact from its source fails
//
// Errors:
//
//    - datman-error-fetch --
func ErrorFetch(url string, cause error) error {
	result := serum.Errorf(ECodeFetch, "error fetching %q: %w", url, cause)
	addDetails(result, [][2]string{
		{"url", url},
	})
	return result
}

// ErrorExtract is returned when the expansion of an archive fails
//
// Errors:
//
//    - datman-error-extract --
func ErrorExtract(path string, cause error) error {
	result := serum.Errorf(ECodeExtract, "error extracting archive %q: %w", path, cause)
	addDetails(result, [][2]string{
		{"path", path},
	})
	return result
}

// ErrorKvParse is returned when parsing of a key-value file fails.
// Callers holding state files (STATUS, cache index) recover from this locally
// by discarding the file; losing that state only costs redundant work.
//
// Errors:
//
//    - datman-error-kv-parse --
func ErrorKvParse(path string, reason string) error {
	return serum.Error(ECodeKvParse,
		serum.WithMessageTemplate("invalid key-value file {{path|q}}: {{reason}}"),
		serum.WithDetail("path", path),
		serum.WithDetail("reason", reason),
	)
}

// ErrorCacheMiss is returned when a cache record cannot be found,
// including when an index entry points at a backing file deleted out-of-band.
//
// Errors:
//
//    - datman-error-cache-miss --
func ErrorCacheMiss(key string) error {
	return serum.Error(ECodeCacheMiss,
		serum.WithMessageTemplate("no cache record for key {{key|q}}"),
		serum.WithDetail("key", key),
	)
}

// ErrorSerialization is returned when a serialization or deserialization error occurs
//
// Errors:
//
//    - datman-error-serialization --
func ErrorSerialization(context string, cause error) error {
	result := serum.Errorf(ECodeSerialization,
		"serialization error: %s: %w", context, cause)
	addDetails(result, [][2]string{
		{"context", context},
	})
	return result
}

// addDetails is a helper method to get around the fact that doing a type coercion within
// an exported function is not currently allowed by serum.
// We won't need this if serum supports an equivalent to %w in message templates OR
// supports adding details when using serum.Errorf
func addDetails(err error, details [][2]string) {
	s := err.(*serum.ErrorValue)
	s.Data.Details = append(s.Data.Details, details...)
}
