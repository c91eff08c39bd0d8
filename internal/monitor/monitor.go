// Package monitor 监控挂载在 USB 块设备上的文件系统，把写入、创建、删除等操作
// 作为 FileTransfer 事件上报；写入完成的文件会做文件头伪装检测。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Hara602/usbSentry/internal/analysis"
	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"go.uber.org/zap"
)

const DefaultMountScanInterval = 2 * time.Second

var ErrUnsupported = errors.New("file transfer monitoring is not supported on this platform")

// FileEvent 一次文件系统操作
type FileEvent struct {
	PID     int32
	Process string
	Mount   string
	Path    string
	Op      string // CREATE|CLOSE_WRITE ...
	Time    time.Time
}

func (e FileEvent) Wrote() bool { return strings.Contains(e.Op, "CLOSE_WRITE") }

// backend 平台相关的文件事件来源 (Linux 上为 fanotify)
type backend interface {
	AddWatch(mount string) error
	RemoveWatch(mount string)
	Events() <-chan FileEvent
	Close()
}

type FileMonitor struct {
	Interval      time.Duration
	MountTable    string
	BlockClassDir string
	// Quarantine 为 true 时把高风险伪装文件重命名为 .quarantine
	Quarantine bool

	inspector   *analysis.TypeInspector
	openBackend func(*zap.Logger) (backend, error)
	log         *zap.Logger
}

func New(log *zap.Logger, interval time.Duration) *FileMonitor {
	if interval <= 0 {
		interval = DefaultMountScanInterval
	}
	return &FileMonitor{
		Interval:      interval,
		MountTable:    sysutil.ProcMounts,
		BlockClassDir: "/sys/class/block",
		Quarantine:    true,
		inspector:     analysis.NewTypeInspector(),
		openBackend:   newBackend,
		log:           log.Named("monitor"),
	}
}

// Run 阻塞直到 ctx 结束；只有后端无法启动时返回错误
func (m *FileMonitor) Run(ctx context.Context, rec model.Recorder) error {
	be, err := m.openBackend(m.log)
	if err != nil {
		return fmt.Errorf("start file monitor: %w", err)
	}
	defer be.Close()

	watched := make(map[string]bool)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.syncMounts(be, watched)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.syncMounts(be, watched)
		case ev, ok := <-be.Events():
			if !ok {
				return nil
			}
			m.handle(ev, rec)
		}
	}
}

// syncMounts 新出现的 USB 挂载点加入监控，消失的移除
func (m *FileMonitor) syncMounts(be backend, watched map[string]bool) {
	current, err := m.usbMounts()
	if err != nil {
		m.log.Warn("Failed to read mount table", zap.Error(err))
		return
	}
	for mp := range current {
		if watched[mp] {
			continue
		}
		if err := be.AddWatch(mp); err != nil {
			m.log.Error("Failed to watch mount", zap.String("path", mp), zap.Error(err))
			continue
		}
		watched[mp] = true
		m.log.Info("👀 Monitoring started", zap.String("path", mp))
	}
	for mp := range watched {
		if !current[mp] {
			be.RemoveWatch(mp)
			delete(watched, mp)
			m.log.Info("Monitoring stopped", zap.String("path", mp))
		}
	}
}

// usbMounts 挂载设备在 sysfs 中位于某个 usb 节点之下的挂载点
func (m *FileMonitor) usbMounts() (map[string]bool, error) {
	mounts, err := sysutil.ReadMounts(m.MountTable)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, mt := range mounts {
		if !strings.HasPrefix(mt.Device, "/dev/") {
			continue
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join(m.BlockClassDir, filepath.Base(mt.Device)))
		if err != nil {
			continue
		}
		if strings.Contains(resolved, "/usb") {
			out[mt.MountPoint] = true
		}
	}
	return out, nil
}

func (m *FileMonitor) handle(ev FileEvent, rec model.Recorder) {
	if ev.PID == int32(os.Getpid()) {
		return
	}
	details := map[string]string{
		"FilePath":    ev.Path,
		"Directory":   ev.Mount,
		"EventType":   ev.Op,
		"ProcessName": ev.Process,
		"ProcessId":   strconv.Itoa(int(ev.PID)),
	}
	severity := model.Medium
	description := fmt.Sprintf("File %s on USB: %s", strings.ToLower(ev.Op), filepath.Base(ev.Path))

	if ev.Wrote() {
		if res, err := m.inspector.Inspect(ev.Path); err != nil {
			m.log.Debug("File type inspection failed", zap.String("path", ev.Path), zap.Error(err))
		} else if res.Masquerade {
			severity = model.High
			description = "Masquerading file written to USB: " + filepath.Base(ev.Path)
			details["RiskLevel"] = string(res.Risk)
			details["RealType"] = res.RealExt
			details["DeclaredType"] = res.DeclaredExt
			m.log.Warn("Masquerading file detected",
				zap.String("path", ev.Path),
				zap.String("risk", string(res.Risk)),
				zap.String("detail", res.Message))

			if res.Risk == analysis.RiskHigh && m.Quarantine {
				if err := os.Rename(ev.Path, ev.Path+".quarantine"); err != nil {
					m.log.Error("Failed to quarantine file", zap.String("path", ev.Path), zap.Error(err))
				} else {
					details["Quarantined"] = "true"
				}
			}
		}
	}

	m.log.Info("📂 File Activity",
		zap.String("op", ev.Op),
		zap.String("file", ev.Path),
		zap.String("process", ev.Process),
		zap.Int32("pid", ev.PID))
	rec.Record(model.NewActivityEvent(model.FileTransfer, severity, description, details))
}

// procName /proc/<pid>/comm；进程已退出时返回占位名
func procName(pid int32) string {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(int(pid)), "comm"))
	if err != nil {
		if os.IsNotExist(err) {
			return "process exited too fast"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
