//go:build linux

package agent

import "golang.org/x/sys/unix"

// availableBytes reports the free space on the filesystem holding path.
func availableBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	pieceSize := uint64(stat.Frsize)
	if pieceSize == 0 {
		pieceSize = uint64(stat.Bsize)
	}
	return stat.Bavail * pieceSize, nil
}
