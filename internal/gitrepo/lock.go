package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 25 * time.Millisecond

// LockDocument takes an exclusive lock on one document that every process
// sharing baseDir honours, including the CLI and the MCP server running side
// by side. The lock file lives in the subject directory next to the
// repository so listings skip it.
func (s *Service) LockDocument(ctx context.Context, subjectID, documentName string) (func(), error) {
	if err := validatePair(subjectID, documentName); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.baseDir, subjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create subject dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, "."+documentName+".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("lock %s/%s: %w", subjectID, documentName, err)
	}
	if !locked {
		_ = lock.Close()
		return nil, fmt.Errorf("lock %s/%s: %w", subjectID, documentName, context.Cause(ctx))
	}
	return func() { _ = lock.Unlock() }, nil
}
