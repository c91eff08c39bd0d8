package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Hara602/usbSentry/internal/model"
	"go.uber.org/zap"
)

// massStorageClass USB 接口类 08 (存储)
const massStorageClass = "8"

// dispatcher 平台无关的事件分发: 过滤存储接口、去重、回调
type dispatcher struct {
	sysRoot string // /sys

	mu        sync.Mutex
	onArrival Handler
	onRemoval Handler
	attached  map[string]model.UsbDeviceInfo // key: 设备 sysfs 路径

	log *zap.Logger
}

func newDispatcher(sysRoot string, log *zap.Logger) *dispatcher {
	return &dispatcher{
		sysRoot:  sysRoot,
		attached: make(map[string]model.UsbDeviceInfo),
		log:      log,
	}
}

func (d *dispatcher) OnArrival(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	d.mu.Lock()
	d.onArrival = h
	d.mu.Unlock()
	return nil
}

func (d *dispatcher) OnRemoval(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	d.mu.Lock()
	d.onRemoval = h
	d.mu.Unlock()
	return nil
}

// dispatch 处理一个 uevent。只关心 usb_interface 且接口类为存储的事件，
// 回调以接口的父目录 (USB 设备根目录) 为单位。
func (d *dispatcher) dispatch(action string, env map[string]string) {
	if env["SUBSYSTEM"] != "usb" || env["DEVTYPE"] != "usb_interface" {
		return
	}
	if !isStorageInterface(env["INTERFACE"]) {
		return
	}
	devSysPath := filepath.Dir(d.sysRoot + env["DEVPATH"])

	switch action {
	case "add":
		d.arrived(devSysPath, env)
	case "remove":
		d.removed(devSysPath, env)
	}
}

func (d *dispatcher) arrived(devSysPath string, env map[string]string) {
	info := readDeviceInfo(devSysPath, env)

	d.mu.Lock()
	// 同一设备有多个存储接口时只报一次；同一端口换了设备 (漏掉 remove) 仍要上报
	if prev, dup := d.attached[devSysPath]; dup && sameDevice(prev, info) {
		d.mu.Unlock()
		return
	}
	d.attached[devSysPath] = info
	h := d.onArrival
	d.mu.Unlock()

	d.log.Debug("USB storage arrived",
		zap.String("device_id", info.DeviceID),
		zap.String("sys_path", devSysPath))
	if h != nil {
		h(info)
	}
}

func (d *dispatcher) removed(devSysPath string, env map[string]string) {
	d.mu.Lock()
	info, known := d.attached[devSysPath]
	delete(d.attached, devSysPath)
	h := d.onRemoval
	d.mu.Unlock()

	if !known {
		// sysfs 已经消失，只能依赖 uevent 环境变量
		info = infoFromEnv(env)
		info.SysPath = devSysPath
	}
	d.log.Debug("USB storage removed", zap.String("device_id", info.DeviceID))
	if h != nil {
		h(info)
	}
}

// reset 忘掉已记录的设备；停止期间的 remove 收不到
func (d *dispatcher) reset() {
	d.mu.Lock()
	d.attached = make(map[string]model.UsbDeviceInfo)
	d.mu.Unlock()
}

func sameDevice(a, b model.UsbDeviceInfo) bool {
	return a.VendorID == b.VendorID && a.ProductID == b.ProductID && a.SerialNumber == b.SerialNumber
}

// scanExisting 启动时补发已连接存储设备的 arrival
func (d *dispatcher) scanExisting() {
	busDir := filepath.Join(d.sysRoot, "bus", "usb", "devices")
	entries, err := os.ReadDir(busDir)
	if err != nil {
		d.log.Warn("Failed to scan existing USB devices", zap.Error(err))
		return
	}
	for _, e := range entries {
		// 接口目录形如 1-1:1.0
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		ifacePath, err := filepath.EvalSymlinks(filepath.Join(busDir, e.Name()))
		if err != nil {
			continue
		}
		class := strings.TrimLeft(readFile(filepath.Join(ifacePath, "bInterfaceClass")), "0")
		if class != massStorageClass {
			continue
		}
		d.log.Info("🔍 Found existing USB storage device", zap.String("interface", e.Name()))
		d.arrived(filepath.Dir(ifacePath), nil)
	}
}

// isStorageInterface INTERFACE=8/6/80 (class/subclass/protocol，十进制)
func isStorageInterface(iface string) bool {
	class, _, _ := strings.Cut(iface, "/")
	return class == massStorageClass
}

// readDeviceInfo 优先读 sysfs，读不到时退回 udev 环境变量
func readDeviceInfo(devSysPath string, env map[string]string) model.UsbDeviceInfo {
	fallback := infoFromEnv(env)
	pick := func(attr, alt string) string {
		if v := readFile(filepath.Join(devSysPath, attr)); v != "" {
			return v
		}
		return alt
	}
	info := model.NewUsbDeviceInfo(
		pick("idVendor", fallback.VendorID),
		pick("idProduct", fallback.ProductID),
		pick("product", fallback.DeviceName),
		pick("serial", fallback.SerialNumber),
	)
	info.SysPath = devSysPath
	return info
}

func infoFromEnv(env map[string]string) model.UsbDeviceInfo {
	vid, pid := env["ID_VENDOR_ID"], env["ID_MODEL_ID"]
	if vid == "" || pid == "" {
		vid, pid = parseProduct(env["PRODUCT"])
	}
	name := strings.ReplaceAll(env["ID_MODEL"], "_", " ")
	return model.NewUsbDeviceInfo(vid, pid, name, env["ID_SERIAL_SHORT"])
}

// parseProduct PRODUCT=781/5567/100 (vid/pid/bcdDevice，十六进制不补零)
func parseProduct(product string) (vid, pid string) {
	parts := strings.Split(product, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
