package analysis

import (
	"os"
	"path/filepath"
	"strings"
)

// DeviceClass USB 设备按接口类粗分
type DeviceClass string

const (
	ClassBadUSBSuspect DeviceClass = "BADUSB_SUSPECT" // 存储 + HID
	ClassStorage       DeviceClass = "udisk"
	ClassOther         DeviceClass = "other"
	ClassUnknown       DeviceClass = "unknown"
)

const (
	ifaceClassHID     = "03"
	ifaceClassStorage = "08"
)

// ClassifyDevice 读取设备目录下每个接口 (1-1:1.0) 的 bInterfaceClass。
// 同时带存储和键盘类接口的 U 盘视为 BadUSB 嫌疑。
func ClassifyDevice(sysPath string) DeviceClass {
	if sysPath == "" {
		return ClassUnknown
	}
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return ClassUnknown
	}

	var storage, hid bool
	for _, e := range entries {
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(sysPath, e.Name(), "bInterfaceClass"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(b)) {
		case ifaceClassHID:
			hid = true
		case ifaceClassStorage:
			storage = true
		}
	}

	switch {
	case storage && hid:
		return ClassBadUSBSuspect
	case storage:
		return ClassStorage
	default:
		return ClassOther
	}
}

func (c DeviceClass) Suspicious() bool { return c == ClassBadUSBSuspect }
