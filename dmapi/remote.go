package dmapi

import (
	"strings"
)

// Remote is an immutable description of one fetchable artifact:
// where it comes from, what to call it locally, what directory the archive
// is expected to expand into, and (optionally) how to verify it.
type Remote struct {
	// URL is the artifact source.  Scheme selects the fetcher ("https", "s3", ...).
	URL string

	// Filename is the local name for the downloaded artifact.
	Filename string

	// RootFolder is the name of the top-level directory the archive expands into.
	// The manager's data directory is derived from it; it is never stored elsewhere.
	RootFolder string

	// Checksum is either empty (no verification), a bare hex digest
	// (algorithm defaults to sha256), or "algorithm:hexdigest".
	Checksum string

	// ArchiveKind optionally forces the archive format.
	// When empty it is inferred from Filename's suffix chain.
	ArchiveKind ArchiveKind
}

// Validate eagerly checks everything about a Remote that can be known without
// touching the network: checksum shape and algorithm, and that the filename
// maps to a supported archive format (unless one is forced explicitly).
// Configuration problems are reported here, at construction time, not deferred
// to first use.
//
// Errors:
//
//    - datman-error-config -- when the checksum or archive kind is unusable
func (r Remote) Validate() error {
	if _, err := ParseChecksum(r.Checksum); err != nil {
		return err
	}
	switch r.ArchiveKind {
	case "":
		if _, err := DetectArchiveKind(r.Filename); err != nil {
			return err
		}
	case ArchiveKind_Zip, ArchiveKind_Tar:
		// explicitly supported.
	default:
		return ErrorConfig("unsupported archive kind: "+string(r.ArchiveKind),
			[2]string{"archiveKind", string(r.ArchiveKind)})
	}
	return nil
}

type ArchiveKind string

const (
	ArchiveKind_Zip ArchiveKind = "zip"
	ArchiveKind_Tar ArchiveKind = "tar"
)

// DetectArchiveKind infers the archive format from a filename's suffix chain:
// ".zip" means zip; ".tar", ".tgz", or any compound ".tar.*" means tar.
//
// Errors:
//
//    - datman-error-config -- when the extension maps to no supported format
func DetectArchiveKind(filename string) (ArchiveKind, error) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return ArchiveKind_Zip, nil
	case strings.HasSuffix(name, ".tar"),
		strings.HasSuffix(name, ".tgz"),
		strings.Contains(name, ".tar."):
		return ArchiveKind_Tar, nil
	}
	return "", ErrorConfig("unsupported archive file extension on "+filename,
		[2]string{"filename", filename})
}
