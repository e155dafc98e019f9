//go:build linux || darwin || freebsd

package agentinfo

import "golang.org/x/sys/unix"

// DiskSpace 返回 dir 所在文件系统对非特权用户可用的字节数
func DiskSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
