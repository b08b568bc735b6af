package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/warptools/datman/dmapi"
)

// Extract expands the archive at archivePath into destDir, which is created
// if needed.  Entries are written with their archived permission bits.
// Entries whose names would escape destDir are rejected outright, as are
// symlink entries whose targets point outside it, and writes whose resolved
// parent directory (symlinks followed) lands outside it.
//
// Errors:
//
//    - datman-error-config -- when the archive kind (or outer compression) is not supported
//    - datman-error-extract -- when the archive is unreadable or contains hostile paths
//    - datman-error-io -- when destination files cannot be written
func Extract(archivePath string, destDir string, kind dmapi.ArchiveKind) error {
	if kind == "" {
		var err error
		kind, err = dmapi.DetectArchiveKind(archivePath)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return dmapi.ErrorIo("cannot create extraction directory", destDir, err)
	}
	switch kind {
	case dmapi.ArchiveKind_Zip:
		return extractZip(archivePath, destDir)
	case dmapi.ArchiveKind_Tar:
		return extractTar(archivePath, destDir)
	}
	return dmapi.ErrorConfig("unsupported archive kind: "+string(kind),
		[2]string{"archiveKind", string(kind)})
}

// secureJoin joins an archive entry name onto the destination directory,
// refusing names that would land outside it.
func secureJoin(destDir string, name string) (string, error) {
	path := filepath.Join(destDir, name)
	if path != destDir && !strings.HasPrefix(path, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", dmapi.ErrorExtract(destDir, fmt.Errorf("archive entry %q escapes the extraction directory", name))
	}
	return path, nil
}

// realPathWithin resolves an existing path through any symlinks and verifies
// it still lives under destDir.  Lexical checks on entry names are not enough
// on their own: a symlink entry created earlier in the archive can redirect a
// later entry's parent directory outside the extraction root.
func realPathWithin(destDir string, path string) error {
	resolvedDest, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return dmapi.ErrorIo("cannot resolve extraction directory", destDir, err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return dmapi.ErrorIo("cannot resolve path under extraction directory", path, err)
	}
	if resolved != resolvedDest && !strings.HasPrefix(resolved, resolvedDest+string(os.PathSeparator)) {
		return dmapi.ErrorExtract(destDir, fmt.Errorf("entry path %q resolves outside the extraction directory", path))
	}
	return nil
}

func extractZip(archivePath string, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return dmapi.ErrorExtract(archivePath, err)
	}
	defer zr.Close()
	for _, entry := range zr.File {
		path, err := secureJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		mode := entry.Mode()
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(path, mode.Perm()|0700); err != nil {
				return dmapi.ErrorIo("cannot create directory", path, err)
			}
			if err := realPathWithin(destDir, path); err != nil {
				return err
			}
			continue
		}
		if err := writeEntry(destDir, path, mode.Perm(), func() (io.ReadCloser, error) { return entry.Open() }); err != nil {
			return err
		}
	}
	return nil
}

func extractTar(archivePath string, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return dmapi.ErrorIo("cannot open archive", archivePath, err)
	}
	defer f.Close()

	stream, err := decompress(archivePath, f)
	if err != nil {
		return err
	}
	defer stream.Close()

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return dmapi.ErrorExtract(archivePath, err)
		}
		path, err := secureJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return dmapi.ErrorIo("cannot create directory", path, err)
			}
			if err := realPathWithin(destDir, path); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(destDir, path, os.FileMode(hdr.Mode).Perm(), func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			}); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// The link target gets the same containment treatment as entry
			// names: absolute targets and targets that climb out of destDir
			// would let a later entry be written through the link to an
			// arbitrary location.
			if filepath.IsAbs(hdr.Linkname) {
				return dmapi.ErrorExtract(archivePath,
					fmt.Errorf("symlink entry %q has absolute target %q", hdr.Name, hdr.Linkname))
			}
			target := filepath.Join(filepath.Dir(path), hdr.Linkname)
			if target != filepath.Clean(destDir) && !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
				return dmapi.ErrorExtract(archivePath,
					fmt.Errorf("symlink entry %q escapes the extraction directory", hdr.Name))
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return dmapi.ErrorIo("cannot create directory", filepath.Dir(path), err)
			}
			if err := realPathWithin(destDir, filepath.Dir(path)); err != nil {
				return err
			}
			os.Remove(path)
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return dmapi.ErrorIo("cannot create symlink", path, err)
			}
		default:
			// sockets, devices, hardlinks: datasets have no business shipping these.
			return dmapi.ErrorExtract(archivePath,
				fmt.Errorf("archive entry %q has unsupported type %q", hdr.Name, hdr.Typeflag))
		}
	}
}

// decompress wraps r with the decompressor implied by the archive filename:
// ".tar.gz"/".tgz" gzip, ".tar.zst" zstd, ".tar.bz2" bzip2, ".tar" none.
func decompress(archivePath string, r io.Reader) (io.ReadCloser, error) {
	name := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(name, ".tar"):
		return io.NopCloser(r), nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, dmapi.ErrorExtract(archivePath, err)
		}
		return zr, nil
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, dmapi.ErrorExtract(archivePath, err)
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(name, ".tar.bz2"):
		return io.NopCloser(bzip2.NewReader(r)), nil
	}
	if strings.Contains(name, ".tar.") {
		return nil, dmapi.ErrorConfig("unsupported compression on archive "+archivePath,
			[2]string{"path", archivePath})
	}
	// The tar kind was forced on a filename with no recognizable suffix;
	// assume an uncompressed stream and let the tar reader complain if not.
	return io.NopCloser(r), nil
}

func writeEntry(destDir string, path string, perm os.FileMode, open func() (io.ReadCloser, error)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return dmapi.ErrorIo("cannot create directory", filepath.Dir(path), err)
	}
	if err := realPathWithin(destDir, filepath.Dir(path)); err != nil {
		return err
	}
	// A symlink sitting where the file belongs would make the write tunnel
	// through to wherever it points; replace it with a real file.
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(path); err != nil {
			return dmapi.ErrorIo("cannot replace symlink with file", path, err)
		}
	}
	src, err := open()
	if err != nil {
		return dmapi.ErrorExtract(path, err)
	}
	defer src.Close()
	if perm == 0 {
		perm = 0644
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return dmapi.ErrorIo("cannot create file", path, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return dmapi.ErrorIo("cannot write file", path, err)
	}
	return nil
}
