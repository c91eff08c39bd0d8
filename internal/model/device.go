package model

import (
	"fmt"
	"strings"
	"time"
)

// UsbDeviceInfo USB 设备身份
type UsbDeviceInfo struct {
	DeviceID     string // USB\VID_xxxx&PID_xxxx 或厂商提供的标识
	VendorID     string // 4 位小写十六进制
	ProductID    string
	DeviceName   string
	SerialNumber string
	SysPath      string // 平台句柄 (Linux: /sys/devices/...)，可为空
}

// NewUsbDeviceInfo vid/pid 都存在时合成规范 ID，否则退回产品名
func NewUsbDeviceInfo(vid, pid, name, serial string) UsbDeviceInfo {
	vid = formatHexID(vid)
	pid = formatHexID(pid)
	id := name
	if vid != "" && pid != "" {
		id = fmt.Sprintf(`USB\VID_%s&PID_%s`, vid, pid)
	}
	if id == "" {
		id = "Unknown"
	}
	return UsbDeviceInfo{
		DeviceID:     id,
		VendorID:     vid,
		ProductID:    pid,
		DeviceName:   name,
		SerialNumber: serial,
	}
}

// formatHexID "781" -> "0781"，"0x0781" -> "0781"
func formatHexID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.TrimPrefix(raw, "0x")
	if raw == "" || raw == "unknown" {
		return ""
	}
	for _, r := range raw {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return ""
		}
	}
	if len(raw) < 4 {
		raw = strings.Repeat("0", 4-len(raw)) + raw
	}
	return raw
}

func (d UsbDeviceInfo) DisplayName() string {
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return d.DeviceID
}

func (d UsbDeviceInfo) Normalized() string {
	return NormalizeDeviceID(d.DeviceID)
}

var deviceIDPrefixes = []string{`USB\`, `usb\`, "USB:", "usb:"}

// NormalizeDeviceID 去掉已知前缀，分隔符 \ : 替换为 &，转大写。
// 结果不再含 \ 和 : 且首尾无空白，因此重复调用结果不变。
func NormalizeDeviceID(id string) string {
	n := strings.TrimSpace(id)
	for _, p := range deviceIDPrefixes {
		if strings.HasPrefix(n, p) {
			n = n[len(p):]
			break
		}
	}
	n = strings.NewReplacer(`\`, "&", ":", "&").Replace(n)
	// 前缀后面可能还有空白
	return strings.ToUpper(strings.TrimSpace(n))
}

// DeviceInfo 主机取证信息，按需采集，不长期缓存
type DeviceInfo struct {
	ComputerName     string    `json:"computerName"`
	UserName         string    `json:"userName"`
	SerialNumber     string    `json:"serialNumber"`
	MACAddresses     []string  `json:"macAddresses"`
	HardwareUUID     string    `json:"hardwareUUID"`
	ModelIdentifier  string    `json:"modelIdentifier"`
	ProcessorInfo    string    `json:"processorInfo"`
	MemoryInfo       string    `json:"memoryInfo"`
	DiskInfo         string    `json:"diskInfo"`
	OSVersion        string    `json:"osVersion"`
	InstallationPath string    `json:"installationPath"`
	Timestamp        time.Time `json:"timestamp"`
}

func (d DeviceInfo) PrimaryMACAddress() string {
	if len(d.MACAddresses) == 0 {
		return "Unknown"
	}
	return d.MACAddresses[0]
}

// Fingerprint 主机关联标识 (不是安全凭据)
func (d DeviceInfo) Fingerprint() string {
	return d.ComputerName + "_" + d.SerialNumber + "_" + d.PrimaryMACAddress()
}
