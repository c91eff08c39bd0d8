//go:build linux

package blackwhitelist

import "golang.org/x/sys/unix"

// lazyUnmount MNT_DETACH: 有进程占用时也能立即从命名空间中摘除
func lazyUnmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}
