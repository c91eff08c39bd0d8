package sysutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ProcMounts 内核挂载表
const ProcMounts = "/proc/mounts"

// Mount /proc/mounts 中的一行
type Mount struct {
	Device     string // e.g. /dev/sdb1
	MountPoint string // e.g. /media/usb
	FSType     string
}

// ReadMounts 解析挂载表
func ReadMounts(path string) ([]Mount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mount table: %w", err)
	}
	defer f.Close()
	return parseMounts(f)
}

func parseMounts(r io.Reader) ([]Mount, error) {
	var mounts []Mount
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, Mount{
			Device:     fields[0],
			MountPoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	return mounts, scanner.Err()
}

// 挂载点里的空格等字符被转义为八进制 (\040)
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var v byte
			ok := true
			for _, c := range []byte(s[i+1 : i+4]) {
				if c < '0' || c > '7' {
					ok = false
					break
				}
				v = v*8 + (c - '0')
			}
			if ok {
				b.WriteByte(v)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// MountPointsOf 返回某个块设备的所有挂载点
func MountPointsOf(mounts []Mount, devPath string) []string {
	var points []string
	for _, m := range mounts {
		if m.Device == devPath {
			points = append(points, m.MountPoint)
		}
	}
	return points
}
