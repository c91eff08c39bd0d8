package blackwhitelist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"go.uber.org/zap"
)

var ErrNoSysPath = errors.New("device has no sysfs path")

// Ejector 对未授权设备执行阻断动作
type Ejector interface {
	// Eject 返回 true 表示至少一个阻断调用成功
	Eject(ctx context.Context, dev model.UsbDeviceInfo) (bool, error)
}

// SysfsEjector 卸载设备下所有已挂载的分区，然后通过 Sysfs 禁用设备
type SysfsEjector struct {
	BlockClassDir string // /sys/class/block
	MountTable    string // /proc/mounts
	Unmount       func(target string) error
	log           *zap.Logger
}

func NewSysfsEjector(log *zap.Logger) *SysfsEjector {
	return &SysfsEjector{
		BlockClassDir: "/sys/class/block",
		MountTable:    sysutil.ProcMounts,
		Unmount:       lazyUnmount,
		log:           log.Named("ejector"),
	}
}

func (e *SysfsEjector) Eject(ctx context.Context, dev model.UsbDeviceInfo) (bool, error) {
	if dev.SysPath == "" {
		return false, ErrNoSysPath
	}

	var errs []error
	ejected := false

	volumes := e.volumesOf(dev.SysPath)
	mounts, err := sysutil.ReadMounts(e.MountTable)
	if err != nil {
		errs = append(errs, err)
	}
	for _, vol := range volumes {
		for _, mp := range sysutil.MountPointsOf(mounts, vol) {
			if ctx.Err() != nil {
				return ejected, ctx.Err()
			}
			if err := e.Unmount(mp); err != nil {
				errs = append(errs, fmt.Errorf("unmount %s: %w", mp, err))
				continue
			}
			e.log.Info("Volume unmounted", zap.String("dev", vol), zap.String("mount", mp))
			ejected = true
		}
	}

	if err := BlockDevice(dev.SysPath); err != nil {
		errs = append(errs, err)
	} else {
		e.log.Info("Device deauthorized", zap.String("sys_path", dev.SysPath))
		ejected = true
	}

	if ejected {
		return true, nil
	}
	return false, errors.Join(errs...)
}

// volumesOf 找出 sysfs 路径位于该 USB 设备之下的所有块设备 (/dev/sdb, /dev/sdb1 ...)
func (e *SysfsEjector) volumesOf(devSysPath string) []string {
	entries, err := os.ReadDir(e.BlockClassDir)
	if err != nil {
		return nil
	}
	if real, err := filepath.EvalSymlinks(devSysPath); err == nil {
		devSysPath = real
	}
	root := filepath.Clean(devSysPath) + string(filepath.Separator)
	var vols []string
	for _, entry := range entries {
		real, err := filepath.EvalSymlinks(filepath.Join(e.BlockClassDir, entry.Name()))
		if err != nil {
			continue
		}
		if strings.HasPrefix(real, root) {
			vols = append(vols, "/dev/"+entry.Name())
		}
	}
	return vols
}

// BlockDevice 通过 Sysfs 禁用设备，写入 "0" 代表物理层级禁用
// sysPath 类似 /sys/devices/pci0000:00/.../usb1/1-1
func BlockDevice(sysPath string) error {
	path := filepath.Join(sysPath, "authorized")
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("block failed: %w", err)
	}
	return nil
}
