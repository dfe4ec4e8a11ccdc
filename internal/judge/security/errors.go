// Package security validates untrusted archives and source before they reach disk.
package security

import (
	"errors"
	"fmt"

	pkgerrors "nojudge/pkg/errors"
)

// Archive violation codes.
const (
	CodeZipTooLarge         = "ZIP_UNCOMPRESSED_TOO_LARGE"
	CodeZipPathTraversal    = "ZIP_PATH_TRAVERSAL_DETECTED"
	CodeZipAbsolutePath     = "ZIP_ABSOLUTE_PATH_NOT_ALLOWED"
	CodeZipSymlink          = "ZIP_SYMLINK_NOT_ALLOWED"
	CodeZipDangerousFile    = "ZIP_DANGEROUS_FILE_DETECTED"
	CodeZipDangerousExt     = "ZIP_DANGEROUS_EXTENSION_DETECTED"
	CodeZipPathEscape       = "ZIP_PATH_ESCAPE_DETECTED"
	CodeZipInvalid          = "ZIP_INVALID_ARCHIVE"
	CodeSourceTooLarge      = "SOURCE_TOO_LARGE"
	CodeSourceEmpty         = "SOURCE_EMPTY"
	CodeSourceDangerousName = "SOURCE_DANGEROUS_FILENAME"
	CodeSourceExtMismatch   = "SOURCE_EXTENSION_MISMATCH"
	CodeSourceSuspicious    = "SOURCE_SUSPICIOUS_PATTERN"
	CodeSourceNoFiles       = "SOURCE_NO_FILES"
	CodeSourceUnsafePath    = "SOURCE_UNSAFE_PATH"
	CodeSourceHiddenFile    = "SOURCE_HIDDEN_FILE"
	CodeSourceNoMainFile    = "SOURCE_NO_MAIN_FILE"
)

// Error is a security violation. Code is the stable identifier operators search for;
// Message may name the offending entry and must not be shown to end users.
type Error struct {
	Code    string
	Message string
	// app carries the numeric code for pkg/errors consumers.
	app *pkgerrors.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.app }

func archiveError(code, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Code:    code,
		Message: msg,
		app:     pkgerrors.New(pkgerrors.ArchiveRejected).WithMessage(msg).WithDetail("violation", code),
	}
}

func sourceError(code, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Code:    code,
		Message: msg,
		app:     pkgerrors.New(pkgerrors.SourceRejected).WithMessage(msg).WithDetail("violation", code),
	}
}

// CodeOf returns the violation code of err, or "" when err is not a security error.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
