package fetch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/digest"
	"github.com/warptools/datman/pkg/logging"
	"github.com/warptools/datman/pkg/tracing"
)

// PartSuffix is appended to the artifact filename while a download is in
// flight.  A half-written part file can never be mistaken for a complete
// artifact: the final name only ever appears via rename, after verification.
const PartSuffix = ".part"

// Unit drives the download-if-needed, verify, extract-if-needed sequence for
// one artifact.  It is constructed by the pipeline manager; all fields are
// fixed at construction.
type Unit struct {
	// Folder receives the downloaded artifact file.
	Folder string
	// Remote describes where the artifact comes from and how to verify it.
	Remote dmapi.Remote
	// ExtractPath is the directory the archive expands into.
	ExtractPath string
	// DataPath is the directory the archive is expected to produce
	// (ExtractPath joined with the remote's root folder).  If it already
	// exists when extraction runs, it is deleted first: extraction always
	// yields a clean copy, never a merge.
	DataPath string
	// SkipVerify disables digest checking unconditionally.
	// It is implied when the remote carries no checksum.
	SkipVerify bool
	// Fetcher overrides transfer; chosen from the URL scheme when nil.
	Fetcher Fetcher
}

// FilePath returns where the (complete) artifact file lives.
func (u *Unit) FilePath() string {
	return filepath.Join(u.Folder, u.Remote.Filename)
}

func (u *Unit) skip() bool {
	return u.SkipVerify || u.Remote.Checksum == ""
}

// DownloadAndExtract runs the unit's whole state machine:
// an existing artifact is verified in place; a missing or failing one is
// (re)downloaded; then the archive is extracted.
//
// Errors:
//
//    - datman-error-config -- when the remote descriptor is unusable
//    - datman-error-fetch -- when the transfer fails
//    - datman-error-integrity -- when the freshly downloaded file fails verification
//    - datman-error-missing -- when extraction finds no artifact file
//    - datman-error-extract -- when expanding the archive fails
//    - datman-error-io -- on filesystem trouble
func (u *Unit) DownloadAndExtract(ctx context.Context) error {
	logger := logging.Ctx(ctx)
	if err := os.MkdirAll(u.Folder, 0755); err != nil {
		return dmapi.ErrorIo("cannot create download directory", u.Folder, err)
	}

	filePath := u.FilePath()
	needDownload := true
	if _, err := os.Stat(filePath); err == nil {
		ok, err := u.verify(ctx, filePath)
		if err != nil {
			return err
		}
		if ok {
			needDownload = false
		} else {
			logger.Info("fetch", "existing file %s fails verification, re-downloading", filePath)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return dmapi.ErrorIo("cannot stat artifact file", filePath, err)
	}

	if needDownload {
		if err := u.download(ctx); err != nil {
			return err
		}
	}
	return u.Extract(ctx)
}

// download transfers the artifact into a ".part" sibling, verifies it there,
// and only then renames it into place.  On verification failure the part file
// is removed and an integrity error returned; the caller must not silently
// retry.
func (u *Unit) download(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "download",
		trace.WithAttributes(
			tracing.AttrFullExecOperationFetch,
			attribute.String(tracing.AttrKeyDatmanArtifactUrl, u.Remote.URL),
		))
	defer span.End()

	fetcher := u.Fetcher
	if fetcher == nil {
		var err error
		fetcher, err = ForURL(u.Remote.URL)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return err
		}
	}

	filePath := u.FilePath()
	partPath := filePath + PartSuffix
	if err := fetcher.Fetch(ctx, u.Remote.URL, partPath); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}

	if !u.skip() {
		expected, err := dmapi.ParseChecksum(u.Remote.Checksum)
		if err != nil {
			os.Remove(partPath)
			return err
		}
		actual, err := digest.Sum(partPath, expected.Algorithm)
		if err != nil {
			os.Remove(partPath)
			return err
		}
		if actual != expected.Hex {
			os.Remove(partPath)
			err := dmapi.ErrorIntegrity(partPath, expected.String(), expected.Algorithm+":"+actual)
			tracing.SetSpanError(ctx, err)
			return err
		}
	}

	if err := os.Rename(partPath, filePath); err != nil {
		os.Remove(partPath)
		return dmapi.ErrorIo("cannot move downloaded file into place", filePath, err)
	}
	return nil
}

// verify checks the file against the remote's checksum.
// With no checksum, or SkipVerify set, it returns true without hashing.
func (u *Unit) verify(ctx context.Context, path string) (bool, error) {
	if u.skip() {
		return true, nil
	}
	ctx, span := tracing.Start(ctx, "verify",
		trace.WithAttributes(
			tracing.AttrFullExecOperationVerify,
			attribute.String(tracing.AttrKeyDatmanArtifactPath, path),
		))
	defer span.End()
	ok, err := digest.Verify(path, u.Remote.Checksum, false)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return false, err
	}
	return ok, nil
}

// Extract expands the artifact archive into the extraction root.
// The artifact's existence is checked before anything is deleted;
// only then is a pre-existing data directory removed.
//
// Errors:
//
//    - datman-error-missing -- when the artifact file does not exist
//    - datman-error-config -- when the archive format is not supported
//    - datman-error-extract -- when expanding the archive fails
//    - datman-error-io -- on filesystem trouble
func (u *Unit) Extract(ctx context.Context) error {
	logger := logging.Ctx(ctx)
	filePath := u.FilePath()

	// Existence check strictly precedes any destructive action below.
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dmapi.ErrorMissing(filePath)
		}
		return dmapi.ErrorIo("cannot stat artifact file", filePath, err)
	}

	ctx, span := tracing.Start(ctx, "extract",
		trace.WithAttributes(
			tracing.AttrFullExecOperationExtract,
			attribute.String(tracing.AttrKeyDatmanArtifactPath, filePath),
		))
	defer span.End()

	if u.DataPath != "" {
		if _, err := os.Stat(u.DataPath); err == nil {
			// We decided to extract, so we want a fresh copy;
			// never merge over leftovers from a previous extraction.
			logger.Info("extract", "removing existing data directory %s", u.DataPath)
			if err := os.RemoveAll(u.DataPath); err != nil {
				return dmapi.ErrorIo("cannot remove existing data directory", u.DataPath, err)
			}
		}
	}

	logger.Info("extract", "extracting %s into %s", filePath, u.ExtractPath)
	if err := Extract(filePath, u.ExtractPath, u.Remote.ArchiveKind); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return nil
}
