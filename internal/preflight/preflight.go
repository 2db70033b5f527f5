// Package preflight runs the checks that must pass before a document is
// handed to the engine: the destination is writable and has room for the
// artifacts.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"marcut/internal/services"
)

// minFreeBytes is the floor below which a run is refused. Redacted output
// plus reports for a large document stay well under this.
const minFreeBytes = 256 << 20

// CheckDestinationWritable proves the output directory accepts writes by
// creating and removing a uniquely named sentinel file. A permission
// failure surfaces as services.ErrPermissionDenied.
func CheckDestinationWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrPermissionDenied, "preflight", "writable",
			fmt.Sprintf("output directory %s cannot be created", dir), err)
	}
	sentinel := filepath.Join(dir, ".marcut-write-check-"+uuid.NewString())
	if err := os.WriteFile(sentinel, []byte("ok"), 0o644); err != nil {
		return services.Wrap(services.ErrPermissionDenied, "preflight", "writable",
			fmt.Sprintf("output directory %s is not writable", dir), err)
	}
	if err := os.Remove(sentinel); err != nil {
		return services.Wrap(services.ErrPermissionDenied, "preflight", "writable",
			fmt.Sprintf("sentinel file in %s could not be removed", dir), err)
	}
	return nil
}

// FreeSpace reports the bytes available to unprivileged writes on the
// filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, services.Wrap(services.ErrPreflightFailed, "preflight", "freespace",
			fmt.Sprintf("filesystem stats unavailable for %s", dir), err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CheckFreeSpace refuses the run when the destination filesystem is nearly
// full.
func CheckFreeSpace(dir string) error {
	free, err := FreeSpace(dir)
	if err != nil {
		return err
	}
	if free < minFreeBytes {
		return services.Wrap(services.ErrPreflightFailed, "preflight", "freespace",
			fmt.Sprintf("only %d MiB free at %s", free>>20, dir), nil)
	}
	return nil
}

// Run executes all preflight checks against the output directory.
func Run(outputDir string) error {
	if err := CheckDestinationWritable(outputDir); err != nil {
		return err
	}
	return CheckFreeSpace(outputDir)
}
