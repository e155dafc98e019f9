//go:build !linux && !darwin && !freebsd

package agentinfo

// DiskSpace 当前平台不支持统计，返回 -1
func DiskSpace(dir string) (int64, error) {
	return -1, nil
}
