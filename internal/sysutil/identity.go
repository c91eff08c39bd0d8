package sysutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/Hara602/usbSentry/internal/model"
)

// SystemIdentity 主机身份查询能力 (每个平台一个实现)
type SystemIdentity interface {
	DeviceInfo(ctx context.Context) model.DeviceInfo
}

// HostIdentity 基于 gopsutil + DMI sysfs 的实现
type HostIdentity struct {
	InstallationPath string
	DMIRoot          string // 默认 /sys/class/dmi/id
}

func NewHostIdentity(installationPath string) *HostIdentity {
	return &HostIdentity{InstallationPath: installationPath, DMIRoot: "/sys/class/dmi/id"}
}

func (h *HostIdentity) DeviceInfo(ctx context.Context) model.DeviceInfo {
	who := model.CurrentHost()
	info := model.DeviceInfo{
		ComputerName:     who.Computer,
		UserName:         who.User,
		SerialNumber:     h.dmi("product_serial"),
		MACAddresses:     macAddresses(ctx),
		HardwareUUID:     h.dmi("product_uuid"),
		ModelIdentifier:  h.dmi("product_name"),
		ProcessorInfo:    "Unknown",
		MemoryInfo:       "Unknown",
		DiskInfo:         "Unknown",
		OSVersion:        "Unknown",
		InstallationPath: h.InstallationPath,
		Timestamp:        time.Now(),
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.OSVersion = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion + " (" + hi.KernelVersion + ")")
		if info.HardwareUUID == "Unknown" && hi.HostID != "" {
			info.HardwareUUID = hi.HostID
		}
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.ProcessorInfo = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryInfo = fmt.Sprintf("%.1f GB", float64(vm.Total)/(1024*1024*1024))
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		info.DiskInfo = fmt.Sprintf("%s %.1f GB", du.Fstype, float64(du.Total)/(1024*1024*1024))
	}
	return info
}

// dmi 读取 DMI 字段 (product_serial 需要 root)
func (h *HostIdentity) dmi(name string) string {
	b, err := os.ReadFile(filepath.Join(h.DMIRoot, name))
	if err != nil {
		return "Unknown"
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "Unknown"
	}
	return v
}

// macAddresses 跳过回环和虚拟网卡
func macAddresses(ctx context.Context) []string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if isVirtualInterface(iface.Name) {
			continue
		}
		mac := strings.ToLower(iface.HardwareAddr)
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
	}
	return macs
}

func isVirtualInterface(name string) bool {
	for _, p := range []string{"lo", "vmnet", "vboxnet", "docker", "veth", "virbr", "br-"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
