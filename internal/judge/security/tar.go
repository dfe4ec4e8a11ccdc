package security

import (
	"archive/tar"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ExtractTarZst extracts a zstd compressed tar stream under dest with the same
// path rules as ExtractZip. Links and special files are rejected or skipped.
func ExtractTarZst(r io.Reader, dest string, opts ArchiveOptions) ([]string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, archiveError(CodeZipInvalid, "create zstd reader: %v", err)
	}
	defer zr.Close()

	w, err := newExtractor(dest, opts.maxBytes())
	if err != nil {
		return nil, err
	}
	blacklist := opts.blacklist()

	var written []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, archiveError(CodeZipInvalid, "read tar entry: %v", err)
		}
		if hdr.Name == "" {
			continue
		}
		isDir := hdr.Typeflag == tar.TypeDir
		if err := checkEntryName(hdr.Name, isDir, opts, blacklist); err != nil {
			return written, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := w.mkdir(hdr.Name); err != nil {
				return written, err
			}
		case tar.TypeReg:
			if err := w.writeFile(hdr.Name, tr); err != nil {
				return written, err
			}
			written = append(written, hdr.Name)
		case tar.TypeSymlink, tar.TypeLink:
			if !opts.AllowSymlinks {
				return written, archiveError(CodeZipSymlink, "symlink not allowed: %s", hdr.Name)
			}
		default:
			// devices, fifos and pax metadata are ignored
		}
	}
	return written, nil
}
