package slot

import (
	"fmt"
	"os"
)

// VerifiedPath returns the marker file path asserting that the file at path
// already passed hash verification.
func VerifiedPath(path string) string {
	return path + ".verified"
}

// MarkVerified creates the zero-byte verification marker for path.
func MarkVerified(path string) error {
	f, err := os.OpenFile(VerifiedPath(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed creating verification marker: %w", err)
	}
	return f.Close()
}

// IsVerified reports whether the verification marker for path exists.
func IsVerified(path string) bool {
	_, err := os.Stat(VerifiedPath(path))
	return err == nil
}
