package upload

import "context"

// Uploader pushes a completed build's artifacts to remote storage.
// Uploads are best-effort: a failure is logged on the server and never
// changes the build's terminal state.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and
	// writable. Writes a small test object to fail fast on
	// misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files under localDir using name as the
	// sub-prefix under the configured remote prefix.
	Upload(ctx context.Context, localDir, name string) error
}
