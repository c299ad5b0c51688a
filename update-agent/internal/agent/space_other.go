//go:build !linux

package agent

import "errors"

func availableBytes(path string) (uint64, error) {
	return 0, errors.New("free space check is only supported on linux")
}
