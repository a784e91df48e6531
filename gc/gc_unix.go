//go:build unix

package gc

import "syscall"

// freeSpace returns the bytes available to an unprivileged user on the
// filesystem backing dir.
func freeSpace(dir string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
