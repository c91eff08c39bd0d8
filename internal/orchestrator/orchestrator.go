// Package orchestrator 负责整体启停：设备管控、防卸载检测与各类监控生产者
// 都通过 Record 把事件交给投递流水线。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Hara602/usbSentry/internal/blackwhitelist"
	"github.com/Hara602/usbSentry/internal/config"
	"github.com/Hara602/usbSentry/internal/delivery"
	"github.com/Hara602/usbSentry/internal/devicecontrol"
	"github.com/Hara602/usbSentry/internal/journal"
	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/monitor"
	"github.com/Hara602/usbSentry/internal/procscan"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"github.com/Hara602/usbSentry/internal/tamper"
	"github.com/Hara602/usbSentry/internal/watcher"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured = errors.New("subsystem not configured")
	ErrClosed        = errors.New("orchestrator closed")
)

// Producer 外部监控者，只通过 Recorder 上报事件
type Producer interface {
	Run(ctx context.Context, rec model.Recorder) error
}

type namedProducer struct {
	name string
	Producer
}

// Deps 可替换的平台能力；零值字段使用默认实现
type Deps struct {
	Watcher   watcher.DeviceWatcher
	Ejector   blackwhitelist.Ejector
	Whitelist blackwhitelist.Source
	Identity  sysutil.SystemIdentity
	Poster    delivery.Poster
	// Producers 非 nil 时替代按配置构造的生产者
	Producers map[string]Producer
	// Exit 终止信号触发的通知发出后调用
	Exit func(code int)
}

type Orchestrator struct {
	cfg *config.Config
	log *zap.Logger

	pipeline  *delivery.Pipeline
	journal   *journal.Store
	usb       *devicecontrol.Service
	tamper    *tamper.Service
	producers []namedProducer

	status atomic.Pointer[model.MonitoringStatus]
	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 按配置组装各子系统。缺少前置条件的子系统不构造，监控降级运行
func New(cfg *config.Config, log *zap.Logger, deps Deps) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, log: log.Named("orchestrator")}
	o.setStatus(model.MonitoringStatus{State: model.MonitoringStopped})

	var sink delivery.Journal
	if cfg.Journal.Path != "" {
		store, err := journal.Open(cfg.Journal.Path, cfg.Journal.MaxRows)
		if err != nil {
			o.log.Warn("Activity journal unavailable, keeping in-memory log only", zap.Error(err))
		} else {
			o.journal = store
			sink = store
		}
	}

	poster := deps.Poster
	if !cfg.DeliveryConfigured() {
		poster = nil
		o.log.Info("Webhook delivery disabled")
	} else if poster == nil {
		poster = delivery.NewWebhookClient(cfg.WebhookURL, cfg.Monitoring.RequestTimeout)
	}
	o.pipeline = delivery.NewPipeline(log, delivery.Options{
		MaxEntries:    cfg.Monitoring.MaxLogEntries,
		RetryAttempts: cfg.Monitoring.RetryAttempts,
		RetryDelay:    cfg.Monitoring.RetryDelay,
		Poster:        poster,
		Journal:       sink,
		Workers:       cfg.Monitoring.DeliveryWorkers,
		QueueSize:     cfg.Monitoring.DeliveryQueue,
	})

	if cfg.UsbBlockingConfigured() {
		o.usb = o.buildDeviceControl(log, deps)
	} else {
		o.log.Info("USB blocking not configured (needs enabled, api_key and spreadsheet_id)")
	}

	if cfg.TamperConfigured() {
		svc, err := tamper.New(log, tamper.Options{
			WebhookURL:         cfg.WebhookURL,
			MarkerPath:         cfg.Tamper.MarkerPath,
			InstallationPath:   cfg.Tamper.InstallationPath,
			Interval:           cfg.Tamper.CheckInterval,
			NotifyTimeout:      cfg.Tamper.NotifyTimeout,
			UninstallProcesses: cfg.Tamper.UninstallProcesses,
			UninstallKeywords:  cfg.Tamper.UninstallKeywords,
			UninstallCommands:  cfg.Tamper.UninstallCommands,
			Identity:           deps.Identity,
			Local:              model.RecorderFunc(o.pipeline.RecordLocal),
			Exit:               deps.Exit,
		})
		if err != nil {
			o.log.Warn("Tamper detection disabled", zap.Error(err))
		} else {
			o.tamper = svc
		}
	} else {
		o.log.Info("Tamper detection not configured (needs enabled and webhook_url)")
	}

	if deps.Producers != nil {
		for name, p := range deps.Producers {
			o.producers = append(o.producers, namedProducer{name, p})
		}
	} else {
		m := cfg.Monitoring
		if m.EnableFileTransferMonitoring {
			o.producers = append(o.producers, namedProducer{"file transfer", monitor.New(log, m.MountScanInterval)})
		}
		if m.EnableProcessMonitoring {
			o.producers = append(o.producers, namedProducer{"process",
				procscan.New(log, m.ProcessScanInterval, m.BlacklistedApps, m.InstallerKeywords)})
		}
	}
	return o, nil
}

func (o *Orchestrator) buildDeviceControl(log *zap.Logger, deps Deps) *devicecontrol.Service {
	ub := o.cfg.UsbBlocking
	src := deps.Whitelist
	if src == nil {
		src = blackwhitelist.NewSheetsSource(ub.SheetsEndpoint, ub.SpreadsheetID, ub.Range, ub.APIKey, o.cfg.Monitoring.RequestTimeout)
	}
	cache := blackwhitelist.NewCache(src, ub.CacheTTL, log,
		blackwhitelist.WithLocalEntries(ub.LocalWhitelist, ub.LocalBlacklist))

	w := deps.Watcher
	if w == nil {
		w = watcher.New(log)
	}
	ej := deps.Ejector
	if ej == nil {
		ej = blackwhitelist.NewSysfsEjector(log)
	}
	return devicecontrol.New(w, cache, ej, o, log, devicecontrol.Options{
		Workers:   ub.Workers,
		QueueSize: ub.QueueSize,
	})
}

func (o *Orchestrator) setStatus(s model.MonitoringStatus) { o.status.Store(&s) }

func (o *Orchestrator) Status() model.MonitoringStatus { return *o.status.Load() }

func (o *Orchestrator) UsbBlockingStatus() model.UsbBlockingStatus {
	if o.usb == nil {
		return model.UsbBlockingStatus{State: model.BlockingDisabled}
	}
	return o.usb.Status()
}

// Record 所有生产者的唯一入口；不阻塞，不返回错误
func (o *Orchestrator) Record(ev model.ActivityEvent) { o.pipeline.Record(ev) }

// Activities 内存日志快照，最新的在前
func (o *Orchestrator) Activities() []model.ActivityEvent { return o.pipeline.Snapshot() }

// History 优先读持久化日志，没有时退回内存日志
func (o *Orchestrator) History(limit int) ([]model.ActivityEvent, error) {
	if o.journal != nil {
		return o.journal.Recent(limit)
	}
	events := o.pipeline.Snapshot()
	if limit >= 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Start Stopped -> Running；已运行时直接返回
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Load() {
		o.setStatus(model.MonitoringStatus{State: model.MonitoringError, Reason: ErrClosed.Error()})
		return ErrClosed
	}
	if o.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if o.usb != nil {
		if err := o.usb.Start(); err != nil {
			o.log.Error("USB blocking failed to start", zap.Error(err))
			o.notice(model.High, "USB blocking failed to start: "+err.Error())
		}
	}

	if o.tamper != nil {
		if err := o.tamper.Initialize(); err != nil {
			o.log.Error("Tamper detection failed to initialize", zap.Error(err))
			o.notice(model.High, "Tamper detection failed to initialize: "+err.Error())
		} else {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.tamper.Run(runCtx)
			}()
		}
	}

	for _, p := range o.producers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := p.Run(runCtx, o); err != nil {
				o.log.Warn("Producer stopped", zap.String("producer", p.name), zap.Error(err))
				o.notice(model.Low, fmt.Sprintf("%s monitoring unavailable: %v", p.name, err))
			}
		}()
	}

	o.setStatus(model.MonitoringStatus{State: model.MonitoringRunning})
	o.notice(model.Low, "Monitoring started")
	o.log.Info("🛡️ Monitoring started",
		zap.String("usb_blocking", o.UsbBlockingStatus().String()),
		zap.Bool("tamper_detection", o.tamper != nil),
		zap.Int("producers", len(o.producers)))
	return nil
}

// Stop 按启动的逆序停止：生产者与校验循环、设备管控、信号钩子，最后放弃未完成的投递
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.cancel = nil

	if o.usb != nil {
		o.usb.Stop()
	}
	if o.tamper != nil {
		o.tamper.Close()
	}
	o.pipeline.Abandon()

	o.pipeline.RecordLocal(model.NewActivityEvent(model.SystemNotice, model.Low, "Monitoring stopped", nil))
	o.setStatus(model.MonitoringStatus{State: model.MonitoringStopped})
	o.log.Info("Monitoring stopped")
}

// TamperHooksActive 防卸载的信号钩子是否已注册；为 false 时调用方需要自己处理终止信号
func (o *Orchestrator) TamperHooksActive() bool {
	return o.tamper != nil && o.tamper.State() != tamper.Uninitialized
}

// RefreshWhitelist 运维手动触发，立即刷新白名单
func (o *Orchestrator) RefreshWhitelist(ctx context.Context) error {
	if o.usb == nil {
		return fmt.Errorf("usb blocking: %w", ErrNotConfigured)
	}
	return o.usb.RefreshWhitelist(ctx)
}

// CheckForUninstallAttempts 未配置防卸载时返回 false
func (o *Orchestrator) CheckForUninstallAttempts(ctx context.Context) bool {
	if o.tamper == nil {
		return false
	}
	return o.tamper.CheckForUninstallAttempts(ctx)
}

// Close 停止并释放流水线和日志库
func (o *Orchestrator) Close() error {
	o.Stop()
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.pipeline.Close()
	if o.journal != nil {
		return o.journal.Close()
	}
	return nil
}

func (o *Orchestrator) notice(sev model.Severity, description string) {
	o.Record(model.NewActivityEvent(model.SystemNotice, sev, description, nil))
}
