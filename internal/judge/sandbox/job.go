package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SafeID makes a submission id usable as a path segment and container name part.
func SafeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// jobSubdirs are created with mode 0777 so the unprivileged container user can write.
var jobSubdirs = []string{"src", "build", "testdata", "out"}

func createJobDir(root, submissionID string) (*JobContext, error) {
	if submissionID == "" {
		return nil, fmt.Errorf("submission id is required")
	}
	dir := filepath.Join(root, SafeID(submissionID))
	for _, d := range append([]string{""}, jobSubdirs...) {
		p := filepath.Join(dir, d)
		if err := os.MkdirAll(p, 0o777); err != nil {
			return nil, fmt.Errorf("create job dir %s: %w", p, err)
		}
		// MkdirAll is subject to umask.
		if err := os.Chmod(p, 0o777); err != nil {
			return nil, fmt.Errorf("chmod job dir %s: %w", p, err)
		}
	}
	return &JobContext{SubmissionID: submissionID, Dir: dir}, nil
}

// containerName builds noj4-<kind>-<safeId>-<8 hex>, at most 63 characters.
func containerName(kind, submissionID string) string {
	safe := SafeID(submissionID)
	if len(safe) > 32 {
		safe = safe[:32]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("noj4-%s-%s-%s", kind, safe, suffix)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// CleanupError reports a failed workspace removal. It is always ignorable:
// a judged submission must not fail because its workspace lingers.
type CleanupError struct {
	Dir string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup job dir %s: %v", e.Dir, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

func (e *CleanupError) Ignorable() bool { return true }

func removeJobDir(job *JobContext) *CleanupError {
	if job == nil || job.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(job.Dir); err != nil {
		return &CleanupError{Dir: job.Dir, Err: err}
	}
	return nil
}
