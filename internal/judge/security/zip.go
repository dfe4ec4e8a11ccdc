package security

import (
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/klauspost/compress/zip"
)

// DefaultMaxUncompressedBytes bounds archive extraction when no ceiling is given.
const DefaultMaxUncompressedBytes int64 = 100 << 20

var dangerousFiles = mapset.NewSet(
	".env",
	".env.local",
	".env.production",
	"docker-compose.yml",
	"docker-compose.yaml",
	"Dockerfile",
	".dockerignore",
	".git",
	".gitignore",
	".ssh",
	"id_rsa",
	"id_ed25519",
	"credentials.json",
	"secrets.json",
)

var dangerousExtensions = mapset.NewSet(".pem", ".key", ".crt", ".pfx")

// ArchiveOptions tunes archive validation.
type ArchiveOptions struct {
	// MaxUncompressedBytes defaults to DefaultMaxUncompressedBytes.
	MaxUncompressedBytes int64
	// SkipDangerousFileCheck disables the credential and deploy descriptor blacklist.
	SkipDangerousFileCheck bool
	// AllowSymlinks accepts symlink entries. They are still written as regular files.
	AllowSymlinks bool
	// ExtraBlacklist adds exact base names to the dangerous file list.
	ExtraBlacklist []string
}

func (o ArchiveOptions) maxBytes() int64 {
	if o.MaxUncompressedBytes > 0 {
		return o.MaxUncompressedBytes
	}
	return DefaultMaxUncompressedBytes
}

func (o ArchiveOptions) blacklist() mapset.Set[string] {
	if len(o.ExtraBlacklist) == 0 {
		return dangerousFiles
	}
	set := dangerousFiles.Clone()
	set.Append(o.ExtraBlacklist...)
	return set
}

// checkEntryName applies the lexical checks shared by zip and tar archives.
func checkEntryName(name string, isDir bool, opts ArchiveOptions, blacklist mapset.Set[string]) error {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) {
		return archiveError(CodeZipAbsolutePath, "absolute path not allowed: %s", name)
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return archiveError(CodeZipPathTraversal, "path traversal detected: %s", name)
		}
	}
	if opts.SkipDangerousFileCheck {
		return nil
	}
	base := path.Base(strings.TrimSuffix(strings.ReplaceAll(name, `\`, "/"), "/"))
	if blacklist.Contains(base) {
		return archiveError(CodeZipDangerousFile, "dangerous file detected: %s", name)
	}
	if !isDir && dangerousExtensions.Contains(strings.ToLower(path.Ext(base))) {
		return archiveError(CodeZipDangerousExt, "dangerous file type detected: %s", name)
	}
	return nil
}

func openZip(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	// A reader returned alongside an error only flags insecure names, which are checked below.
	if err != nil && zr == nil {
		return nil, archiveError(CodeZipInvalid, "invalid zip archive: %v", err)
	}
	return zr, nil
}

// ValidateZip checks every entry of a zip archive without extracting it.
func ValidateZip(data []byte, opts ArchiveOptions) error {
	zr, err := openZip(data)
	if err != nil {
		return err
	}
	return validateZipReader(zr, opts)
}

func validateZipReader(zr *zip.Reader, opts ArchiveOptions) error {
	var total uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
	}
	if limit := opts.maxBytes(); total > uint64(limit) {
		return archiveError(CodeZipTooLarge, "uncompressed size %d exceeds limit %d", total, limit)
	}
	blacklist := opts.blacklist()
	for _, f := range zr.File {
		isDir := f.FileInfo().IsDir()
		if err := checkEntryName(f.Name, isDir, opts, blacklist); err != nil {
			return err
		}
		if !opts.AllowSymlinks && !isDir && f.Mode()&os.ModeSymlink != 0 {
			return archiveError(CodeZipSymlink, "symlink not allowed: %s", f.Name)
		}
	}
	return nil
}

// ZipEntryNames lists the file (non-directory) entries of a zip archive.
func ZipEntryNames(data []byte) ([]string, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

// ExtractZip validates the archive and writes its files under dest.
// It returns the entry names written, in archive order.
func ExtractZip(data []byte, dest string, opts ArchiveOptions) ([]string, error) {
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	if err := validateZipReader(zr, opts); err != nil {
		return nil, err
	}
	w, err := newExtractor(dest, opts.maxBytes())
	if err != nil {
		return nil, err
	}

	var written []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			if err := w.mkdir(f.Name); err != nil {
				return written, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return written, archiveError(CodeZipInvalid, "open entry %s: %v", f.Name, err)
		}
		err = w.writeFile(f.Name, rc)
		_ = rc.Close()
		if err != nil {
			return written, err
		}
		written = append(written, f.Name)
	}
	return written, nil
}

// extractor writes entries under a root after resolving real paths.
// The lexical checks above can be bypassed through symlinked directories already
// present in the target, so every write is re-checked against the real root.
type extractor struct {
	root      string
	remaining int64
}

func newExtractor(dest string, maxBytes int64) (*extractor, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, archiveError(CodeZipInvalid, "create target dir: %v", err)
	}
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return nil, archiveError(CodeZipInvalid, "resolve target dir: %v", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, archiveError(CodeZipInvalid, "resolve target dir: %v", err)
	}
	return &extractor{root: root, remaining: maxBytes}, nil
}

func (x *extractor) within(p string) bool {
	rel, err := filepath.Rel(x.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveDir creates dir (relative to root) one segment at a time and returns
// its real path. Each existing segment is resolved before anything is created
// beneath it, so a symlinked directory never receives new entries.
func (x *extractor) resolveDir(rel string) (string, error) {
	cur := x.root
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == "" || seg == "." {
			continue
		}
		next := filepath.Join(cur, seg)
		if _, err := os.Lstat(next); os.IsNotExist(err) {
			if err := os.Mkdir(next, 0o755); err != nil {
				return "", archiveError(CodeZipInvalid, "create dir %s: %v", rel, err)
			}
		}
		resolved, err := filepath.EvalSymlinks(next)
		if err != nil {
			return "", archiveError(CodeZipInvalid, "resolve dir %s: %v", rel, err)
		}
		if !x.within(resolved) {
			return "", archiveError(CodeZipPathEscape, "path escapes target directory: %s", rel)
		}
		cur = resolved
	}
	return cur, nil
}

func (x *extractor) mkdir(name string) error {
	_, err := x.resolveDir(strings.TrimSuffix(name, "/"))
	return err
}

func (x *extractor) writeFile(name string, r io.Reader) error {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	parent, err := x.resolveDir(path.Dir(clean))
	if err != nil {
		return err
	}
	target := filepath.Join(parent, path.Base(clean))
	if !x.within(target) {
		return archiveError(CodeZipPathEscape, "path escapes target directory: %s", name)
	}
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return archiveError(CodeZipPathEscape, "refusing to write through symlink: %s", name)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return archiveError(CodeZipInvalid, "create %s: %v", name, err)
	}
	// Declared sizes can lie; enforce the ceiling on the bytes actually inflated.
	n, err := io.Copy(out, io.LimitReader(r, x.remaining+1))
	closeErr := out.Close()
	if err != nil {
		return archiveError(CodeZipInvalid, "write %s: %v", name, err)
	}
	if closeErr != nil {
		return archiveError(CodeZipInvalid, "write %s: %v", name, closeErr)
	}
	x.remaining -= n
	if x.remaining < 0 {
		_ = os.Remove(target)
		return archiveError(CodeZipTooLarge, "uncompressed size exceeds limit")
	}
	return nil
}
