package model

import (
	"fmt"
	"maps"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型 (封闭集合)
type EventType string

const (
	UsbConnected      EventType = "UsbConnected"
	UsbBlocked        EventType = "UsbBlocked"
	UsbRemoved        EventType = "UsbRemoved"
	FileTransfer      EventType = "FileTransfer"
	AppInstallation   EventType = "AppInstallation"
	BlacklistedApp    EventType = "BlacklistedApp"
	NetworkActivity   EventType = "NetworkActivity"
	UninstallDetected EventType = "UninstallDetected"
	SystemNotice      EventType = "SystemNotice"
)

var eventTypeNames = map[EventType]string{
	UsbConnected:      "USB Device Connected",
	UsbBlocked:        "USB Device Blocked",
	UsbRemoved:        "USB Device Removed",
	FileTransfer:      "File Transfer",
	AppInstallation:   "App Installation",
	BlacklistedApp:    "Blacklisted App",
	NetworkActivity:   "Network Activity",
	UninstallDetected: "Uninstall Detected",
	SystemNotice:      "System Event",
}

func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

func (t EventType) DisplayName() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return string(t)
}

// Severity 严重程度，有序: Low < Medium < High < Critical
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Color UI 显示颜色
func (s Severity) Color() string {
	switch s {
	case Low:
		return "green"
	case Medium:
		return "yellow"
	case High:
		return "orange"
	default:
		return "red"
	}
}

func ParseSeverity(name string) (Severity, error) {
	for s := Low; s <= Critical; s++ {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return Low, fmt.Errorf("unknown severity %q", name)
}

// ActivityEvent 一次检测到的活动。构造后不可修改，所有生产者和消费者共用。
type ActivityEvent struct {
	ID          string
	Type        EventType
	Description string
	Severity    Severity
	Timestamp   time.Time
	Details     map[string]string
	Computer    string
	User        string
}

// NewActivityEvent 分配 ID 和时间戳，并附加进程启动时采集的主机身份
func NewActivityEvent(t EventType, sev Severity, description string, details map[string]string) ActivityEvent {
	if strings.TrimSpace(description) == "" {
		description = t.DisplayName()
	}
	host := CurrentHost()
	return ActivityEvent{
		ID:          uuid.NewString(),
		Type:        t,
		Description: description,
		Severity:    sev,
		Timestamp:   time.Now(),
		Details:     cloneDetails(details),
		Computer:    host.Computer,
		User:        host.User,
	}
}

// Clone 深拷贝 (Details map)
func (e ActivityEvent) Clone() ActivityEvent {
	e.Details = cloneDetails(e.Details)
	return e
}

func cloneDetails(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	maps.Copy(out, in)
	return out
}

// Recorder 所有生产者的唯一入口
type Recorder interface {
	Record(ActivityEvent)
}

// RecorderFunc 把普通函数适配为 Recorder
type RecorderFunc func(ActivityEvent)

func (f RecorderFunc) Record(ev ActivityEvent) { f(ev) }

// Host 主机与操作者身份，进程启动时采集一次
type Host struct {
	Computer string
	User     string
}

var (
	hostOnce sync.Once
	host     Host
)

func CurrentHost() Host {
	hostOnce.Do(func() {
		host.Computer = "Unknown"
		if name, err := os.Hostname(); err == nil && name != "" {
			host.Computer = name
		}
		host.User = "Unknown"
		if u, err := user.Current(); err == nil && u.Username != "" {
			host.User = u.Username
		}
	})
	return host
}
