package testdata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"nojudge/internal/judge/security"
	pkgerrors "nojudge/pkg/errors"
)

// MaxArchiveBytes bounds the unpacked size of a testdata archive.
const MaxArchiveBytes int64 = 100 << 20

// Record is the active testdata version of a problem as stored by the judge database.
type Record struct {
	ProblemID  string
	Version    int
	ArchiveKey string
	// SHA256 is optional; when set the downloaded archive must match it.
	SHA256   string
	Manifest *Manifest
}

// Source returns the active testdata record of a problem; found is false when
// the problem has no testdata.
type Source interface {
	ActiveTestdata(ctx context.Context, problemID string) (rec *Record, found bool, err error)
}

// Testdata is an immutable cached snapshot of one testdata version.
type Testdata struct {
	ProblemID  string
	Version    int
	ArchiveKey string
	Manifest   *Manifest
	Archive    []byte
	FetchedAt  time.Time
}

func isTarZst(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, ".tar.zst") || strings.HasSuffix(k, ".tzst")
}

// archiveOptions allow any file type: testdata may legitimately contain key-like names.
func archiveOptions() security.ArchiveOptions {
	return security.ArchiveOptions{MaxUncompressedBytes: MaxArchiveBytes, SkipDangerousFileCheck: true}
}

// ExtractTo unpacks the archive under dest with the archive guard.
func (t *Testdata) ExtractTo(dest string) ([]string, error) {
	if isTarZst(t.ArchiveKey) {
		return security.ExtractTarZst(bytes.NewReader(t.Archive), dest, archiveOptions())
	}
	return security.ExtractZip(t.Archive, dest, archiveOptions())
}

// verify checks the archive digest and, for zip archives, the entry policy,
// so an unusable archive is never cached.
func verify(rec *Record, data []byte) error {
	if rec.SHA256 != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), rec.SHA256) {
			return pkgerrors.New(pkgerrors.TestdataInvalid).WithMessage("testdata archive hash mismatch")
		}
	}
	if !isTarZst(rec.ArchiveKey) {
		if err := security.ValidateZip(data, archiveOptions()); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.TestdataInvalid, "testdata archive rejected: %s", security.CodeOf(err))
		}
	}
	return nil
}
