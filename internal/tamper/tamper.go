// Package tamper 检测 agent 自身被卸载或被终止，并在进程消失前尽力发出一次通知。
package tamper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Hara602/usbSentry/internal/delivery"
	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"go.uber.org/zap"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultNotifyTimeout = 5 * time.Second
)

var ErrNotConfigured = errors.New("tamper detection requires a webhook URL and marker path")

// State Uninitialized -> Initialized -> (Terminating) -> NotificationSent
type State int32

const (
	Uninitialized State = iota
	Initialized
	Terminating
	NotificationSent
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Terminating:
		return "Terminating"
	case NotificationSent:
		return "NotificationSent"
	}
	return "Uninitialized"
}

// Marker 存活标记文件内容；文件消失即视为被卸载
type Marker struct {
	ProcessID        int    `json:"processId"`
	StartTime        string `json:"startTime"`
	InstallationPath string `json:"installationPath"`
	UserName         string `json:"userName"`
	ComputerName     string `json:"computerName"`
}

type Options struct {
	WebhookURL       string
	MarkerPath       string
	InstallationPath string
	Interval         time.Duration
	NotifyTimeout    time.Duration

	UninstallProcesses []string
	UninstallKeywords  []string
	// UninstallCommands 卸载命令行，如 "apt-get remove"、"dpkg -r"；
	// 首词匹配程序名，其余词出现在参数中即命中。只运行 apt/dpkg 不算卸载
	UninstallCommands []string

	Identity sysutil.SystemIdentity
	// Local 只写本地日志 (通知本身已经 POST 过，不再走投递)
	Local model.Recorder
	// Poster 默认 delivery.WebhookClient
	Poster    delivery.Poster
	Processes sysutil.ProcessLister
	Args      []string
	// Exit 通知发出后调用，默认 os.Exit；不能阻塞等待 Close
	Exit func(code int)
}

type Service struct {
	opts  Options
	log   *zap.Logger
	state atomic.Int32
	sends atomic.Int32

	mu      sync.Mutex
	sigCh   chan os.Signal
	sigDone chan struct{}
	wg      sync.WaitGroup
}

func New(log *zap.Logger, opts Options) (*Service, error) {
	if opts.WebhookURL == "" || opts.MarkerPath == "" {
		return nil, ErrNotConfigured
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.InstallationPath == "" {
		if exe, err := os.Executable(); err == nil {
			opts.InstallationPath = exe
		}
	}
	if opts.Identity == nil {
		opts.Identity = sysutil.NewHostIdentity(opts.InstallationPath)
	}
	if opts.Poster == nil {
		opts.Poster = delivery.NewWebhookClient(opts.WebhookURL, opts.NotifyTimeout)
	}
	if opts.Processes == nil {
		opts.Processes = sysutil.ListProcesses
	}
	if opts.Args == nil {
		opts.Args = os.Args
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Service{opts: opts, log: log.Named("tamper")}, nil
}

func (s *Service) State() State { return State(s.state.Load()) }

// Sends 已尝试发送的通知次数
func (s *Service) Sends() int { return int(s.sends.Load()) }

// Initialize 写存活标记并注册退出钩子；重复调用只重写标记
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeMarker(); err != nil {
		return err
	}
	if s.sigCh != nil {
		return nil
	}

	s.sigCh = make(chan os.Signal, 1)
	s.sigDone = make(chan struct{})
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT)
	s.wg.Add(1)
	go s.onSignal(s.sigCh, s.sigDone)

	s.state.CompareAndSwap(int32(Uninitialized), int32(Initialized))
	s.log.Info("Tamper detection initialized",
		zap.String("marker", s.opts.MarkerPath),
		zap.String("installation", s.opts.InstallationPath))
	return nil
}

func (s *Service) writeMarker() error {
	who := model.CurrentHost()
	m := Marker{
		ProcessID:        os.Getpid(),
		StartTime:        time.Now().Format(time.RFC3339),
		InstallationPath: s.opts.InstallationPath,
		UserName:         who.User,
		ComputerName:     who.Computer,
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.MarkerPath), 0o700); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	if err := os.WriteFile(s.opts.MarkerPath, b, 0o600); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// ReadMarker 读取存活标记
func ReadMarker(path string) (Marker, error) {
	var m Marker
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}

// onSignal 预先注册的退出钩子，使用已经构造好的 Service
func (s *Service) onSignal(sigCh <-chan os.Signal, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			s.log.Warn("Termination signal received, sending final notification", zap.String("signal", sig.String()))
			s.state.Store(int32(Terminating))

			ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
			s.SendUninstallNotification(ctx)
			cancel()

			code := 1
			if ss, ok := sig.(syscall.Signal); ok {
				code = 128 + int(ss)
			}
			s.opts.Exit(code)
		}
	}
}

// Run 周期性校验安装目录和存活标记；发现缺失时发一次通知后返回，不再重新启动
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason := s.verify()
			if reason == "" {
				continue
			}
			s.log.Error("🚨 Uninstallation detected", zap.String("reason", reason))
			nctx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
			s.SendUninstallNotification(nctx)
			cancel()
			return
		}
	}
}

// verify 返回空串表示正常
func (s *Service) verify() string {
	if !exists(s.opts.InstallationPath) {
		return "installation path missing: " + s.opts.InstallationPath
	}
	if !exists(s.opts.MarkerPath) {
		return "liveness marker missing: " + s.opts.MarkerPath
	}
	return ""
}

// SendUninstallNotification 单次 POST，不重试；失败只记录日志。可并发、可重复调用
func (s *Service) SendUninstallNotification(ctx context.Context) {
	s.sends.Add(1)

	args := s.opts.Args
	name := "usbsentry"
	if len(args) > 0 {
		name = filepath.Base(args[0])
	}
	details := model.UninstallDetails{
		ProcessID:     os.Getpid(),
		ProcessName:   name,
		CommandLine:   strings.Join(args, " "),
		UninstallTime: model.FormatWebhookTime(time.Now()),
	}
	info := s.opts.Identity.DeviceInfo(ctx)

	ev := model.NewActivityEvent(model.UninstallDetected, model.Critical, "Uninstall detected: "+name,
		map[string]string{
			"ProcessId":         fmt.Sprint(details.ProcessID),
			"ProcessName":       details.ProcessName,
			"CommandLine":       details.CommandLine,
			"DeviceFingerprint": info.Fingerprint(),
		})
	if s.opts.Local != nil {
		s.opts.Local.Record(ev)
	}

	err := s.opts.Poster.Post(ctx, model.NewPayload(ev, &info, &details))
	s.state.Store(int32(NotificationSent))
	if err != nil {
		s.log.Error("Failed to send uninstall notification", zap.Error(err))
		return
	}
	s.log.Info("Uninstall notification sent")
}

// CheckForUninstallAttempts 只检查，不发通知
func (s *Service) CheckForUninstallAttempts(ctx context.Context) bool {
	if s.verify() != "" {
		return true
	}
	if s.uninstallerRunning(ctx) {
		return true
	}
	// args[0] 是自身路径，不参与匹配
	for _, arg := range s.opts.Args[min(1, len(s.opts.Args)):] {
		if containsAny(strings.ToLower(arg), s.opts.UninstallKeywords) {
			return true
		}
	}
	return false
}

// uninstallerRunning 进程名与卸载程序列表完全相同，或包含卸载关键词
func (s *Service) uninstallerRunning(ctx context.Context) bool {
	procs, err := s.opts.Processes(ctx)
	if err != nil {
		s.log.Warn("Failed to check for uninstall processes", zap.Error(err))
		return false
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		if cmd, ok := matchCommand(p.Cmdline, s.opts.UninstallCommands); ok {
			s.log.Debug("Uninstall command running", zap.String("command", cmd), zap.Int32("pid", p.PID))
			return true
		}
		name := strings.ToLower(p.Name)
		for _, u := range s.opts.UninstallProcesses {
			if name == strings.ToLower(u) {
				s.log.Debug("Uninstall process running", zap.String("name", p.Name), zap.Int32("pid", p.PID))
				return true
			}
		}
		if containsAny(name, s.opts.UninstallKeywords) {
			return true
		}
	}
	return false
}

// Close 注销信号钩子；不删除存活标记
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sigCh == nil {
		return
	}
	signal.Stop(s.sigCh)
	close(s.sigDone)
	s.wg.Wait()
	s.sigCh, s.sigDone = nil, nil
}

// matchCommand "apt-get -y remove pkg" 命中 "apt-get remove"
func matchCommand(cmdline string, commands []string) (string, bool) {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return "", false
	}
	// 参数区分大小写: dpkg -P 是 purge，-p 不是
	prog := strings.ToLower(filepath.Base(argv[0]))
	for _, c := range commands {
		want := strings.Fields(c)
		if len(want) == 0 || strings.ToLower(want[0]) != prog {
			continue
		}
		if allIn(want[1:], argv[1:]) {
			return c, true
		}
	}
	return "", false
}

func allIn(want, args []string) bool {
	for _, w := range want {
		found := false
		for _, a := range args {
			if a == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
