package model

import "time"

// WebhookTimeLayout yyyy-MM-dd HH:mm:ss
const WebhookTimeLayout = "2006-01-02 15:04:05"

// UninstallDetails 卸载通知附带的进程信息
type UninstallDetails struct {
	ProcessID     int    `json:"processId"`
	ProcessName   string `json:"processName"`
	CommandLine   string `json:"commandLine"`
	UninstallTime string `json:"uninstallTime"`
}

// Payload webhook 请求体
type Payload struct {
	Timestamp        string            `json:"timestamp"`
	Type             string            `json:"type"`
	Description      string            `json:"description"`
	Severity         string            `json:"severity"`
	Details          map[string]string `json:"details"`
	Computer         string            `json:"computer"`
	User             string            `json:"user"`
	DeviceInfo       *DeviceInfo       `json:"deviceInfo,omitempty"`
	UninstallDetails *UninstallDetails `json:"uninstallDetails,omitempty"`
}

func NewPayload(ev ActivityEvent, info *DeviceInfo, uninstall *UninstallDetails) Payload {
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}
	return Payload{
		Timestamp:        ev.Timestamp.Format(WebhookTimeLayout),
		Type:             string(ev.Type),
		Description:      ev.Description,
		Severity:         ev.Severity.String(),
		Details:          details,
		Computer:         ev.Computer,
		User:             ev.User,
		DeviceInfo:       info,
		UninstallDetails: uninstall,
	}
}

func FormatWebhookTime(t time.Time) string {
	return t.Format(WebhookTimeLayout)
}
