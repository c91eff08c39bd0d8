// Package config loads the agent configuration.
//
// The configuration is a single YAML file chosen by the --config flag or the
// USBSENTRY_CONFIG environment variable. A missing file means defaults.
// Subsystems whose prerequisites are absent (webhook URL, spreadsheet
// credentials) are simply not started.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 配置文件路径环境变量
const EnvConfigPath = "USBSENTRY_CONFIG"

// DefaultPath 默认配置文件
const DefaultPath = "/etc/usbsentry/config.yaml"

type Config struct {
	// WebhookURL 自动化端点 (n8n 等)，为空则不投递也不启动防卸载
	WebhookURL string `yaml:"webhook_url"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	UsbBlocking UsbBlockingConfig `yaml:"usb_blocking"`
	Tamper      TamperConfig      `yaml:"tamper"`
	Journal     JournalConfig     `yaml:"journal"`
}

type MonitoringConfig struct {
	MaxLogEntries  int           `yaml:"max_log_entries"`
	SendToWebhook  bool          `yaml:"send_to_webhook"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DeliveryWorkers 同时进行的 webhook 投递数，DeliveryQueue 排队上限
	DeliveryWorkers int `yaml:"delivery_workers"`
	DeliveryQueue   int `yaml:"delivery_queue"`

	EnableFileTransferMonitoring bool          `yaml:"enable_file_transfer_monitoring"`
	EnableProcessMonitoring      bool          `yaml:"enable_process_monitoring"`
	ProcessScanInterval          time.Duration `yaml:"process_scan_interval"`
	MountScanInterval            time.Duration `yaml:"mount_scan_interval"`
	BlacklistedApps              []string      `yaml:"blacklisted_apps"`
	InstallerKeywords            []string      `yaml:"installer_keywords"`
}

type UsbBlockingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SheetsEndpoint string        `yaml:"sheets_endpoint"`
	APIKey         string        `yaml:"api_key"`
	SpreadsheetID  string        `yaml:"spreadsheet_id"`
	Range          string        `yaml:"range"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	LocalWhitelist []string      `yaml:"local_whitelist"`
	LocalBlacklist []string      `yaml:"local_blacklist"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
}

type TamperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MarkerPath         string        `yaml:"marker_path"`
	InstallationPath   string        `yaml:"installation_path"` // 为空则使用当前可执行文件
	CheckInterval      time.Duration `yaml:"check_interval"`
	NotifyTimeout      time.Duration `yaml:"notify_timeout"`
	UninstallProcesses []string      `yaml:"uninstall_processes"`
	UninstallKeywords  []string      `yaml:"uninstall_keywords"`
	// UninstallCommands 包管理器的删除命令，按命令行匹配
	UninstallCommands []string `yaml:"uninstall_commands"`
}

type JournalConfig struct {
	// Path SQLite 活动日志，为空则只保留内存日志
	Path    string `yaml:"path"`
	MaxRows int    `yaml:"max_rows"`
}

func Default() *Config {
	return &Config{
		WebhookURL: "http://localhost:5678/webhook/monitoring",
		LogLevel:   "info",
		Monitoring: MonitoringConfig{
			MaxLogEntries:                10000,
			SendToWebhook:                true,
			RetryAttempts:                3,
			RetryDelay:                   5 * time.Second,
			RequestTimeout:               10 * time.Second,
			DeliveryWorkers:              4,
			DeliveryQueue:                1024,
			EnableFileTransferMonitoring: true,
			EnableProcessMonitoring:      true,
			ProcessScanInterval:          10 * time.Second,
			MountScanInterval:            2 * time.Second,
			BlacklistedApps: []string{
				"tor", "vpn", "openvpn", "proxy", "anonymizer",
				"cryptolocker", "ransomware", "keylogger",
				"spyware", "malware", "trojan",
				"hacktool", "crack", "keygen",
			},
			InstallerKeywords: []string{"apt", "dpkg", "rpm", "dnf", "yum", "snap", "flatpak", "pip", "installer", "setup"},
		},
		UsbBlocking: UsbBlockingConfig{
			Enabled:        true,
			SheetsEndpoint: "https://sheets.googleapis.com/v4/spreadsheets",
			Range:          "A:A",
			CacheTTL:       5 * time.Minute,
			Workers:        2,
			QueueSize:      64,
		},
		Tamper: TamperConfig{
			Enabled:            true,
			MarkerPath:         "/var/lib/usbsentry/liveness.json",
			CheckInterval:      5 * time.Second,
			NotifyTimeout:      5 * time.Second,
			UninstallProcesses: []string{"usbsentry-uninstall"},
			UninstallKeywords:  []string{"uninstall", "remove", "delete", "trash"},
			UninstallCommands: []string{
				"apt remove", "apt purge", "apt-get remove", "apt-get purge",
				"dpkg -r", "dpkg --remove", "dpkg -P", "dpkg --purge",
				"rpm -e", "rpm --erase", "dnf remove", "yum remove", "snap remove",
			},
		},
		Journal: JournalConfig{
			Path:    "/var/lib/usbsentry/activity.db",
			MaxRows: 100000,
		},
	}
}

// Load 读取配置文件。path 为空时依次使用环境变量和默认路径；
// 默认路径不存在时返回默认配置。
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Monitoring.MaxLogEntries <= 0 {
		errs = append(errs, errors.New("monitoring.max_log_entries must be positive"))
	}
	if c.Monitoring.RetryAttempts <= 0 {
		errs = append(errs, errors.New("monitoring.retry_attempts must be positive"))
	}
	if c.Monitoring.RetryDelay < 0 {
		errs = append(errs, errors.New("monitoring.retry_delay must not be negative"))
	}
	if c.Monitoring.RequestTimeout <= 0 {
		errs = append(errs, errors.New("monitoring.request_timeout must be positive"))
	}
	if c.Monitoring.DeliveryWorkers <= 0 || c.Monitoring.DeliveryQueue <= 0 {
		errs = append(errs, errors.New("monitoring.delivery_workers and delivery_queue must be positive"))
	}
	if c.Monitoring.ProcessScanInterval <= 0 || c.Monitoring.MountScanInterval <= 0 {
		errs = append(errs, errors.New("monitoring scan intervals must be positive"))
	}
	if c.UsbBlocking.CacheTTL < 0 {
		errs = append(errs, errors.New("usb_blocking.cache_ttl must not be negative"))
	}
	if c.UsbBlocking.Workers <= 0 || c.UsbBlocking.QueueSize <= 0 {
		errs = append(errs, errors.New("usb_blocking.workers and queue_size must be positive"))
	}
	if c.Tamper.CheckInterval <= 0 || c.Tamper.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("tamper.check_interval and notify_timeout must be positive"))
	}
	if c.Tamper.Enabled && c.Tamper.MarkerPath == "" {
		errs = append(errs, errors.New("tamper.marker_path is required"))
	}
	return errors.Join(errs...)
}

// UsbBlockingConfigured 缺少表格凭据时不启动 USB 管控
func (c *Config) UsbBlockingConfigured() bool {
	return c.UsbBlocking.Enabled && c.UsbBlocking.APIKey != "" && c.UsbBlocking.SpreadsheetID != ""
}

// TamperConfigured 没有 webhook 时卸载通知无处可发
func (c *Config) TamperConfigured() bool {
	return c.Tamper.Enabled && c.WebhookURL != ""
}

func (c *Config) DeliveryConfigured() bool {
	return c.Monitoring.SendToWebhook && c.WebhookURL != ""
}
