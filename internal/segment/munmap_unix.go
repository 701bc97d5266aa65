//go:build linux || darwin

package segment

import "golang.org/x/sys/unix"

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
