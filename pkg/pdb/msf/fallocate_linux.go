//go:build linux

package msf

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves disk blocks so writes through the mapping cannot
// fault with SIGBUS on a full disk.
func fallocateFile(file *os.File, size int64) error {
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
		// Some filesystems (NFS, tmpfs on old kernels) reject fallocate.
		return unix.Ftruncate(int(file.Fd()), size)
	}
	return unix.Ftruncate(int(file.Fd()), size)
}
