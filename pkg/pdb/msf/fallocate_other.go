//go:build !linux

package msf

import "os"

// fallocateFile sizes the file before it is mapped. Without a native
// fallocate this does not guarantee the blocks are reserved.
func fallocateFile(file *os.File, size int64) error {
	return file.Truncate(size)
}
