// Package devicecontrol 执行 USB 存储白名单策略：
// 设备插入时查询白名单，不在白名单内的设备被卸载并禁用。
package devicecontrol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Hara602/usbSentry/internal/analysis"
	"github.com/Hara602/usbSentry/internal/blackwhitelist"
	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/watcher"
	"go.uber.org/zap"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

var ErrQueueFull = errors.New("device event queue full")

// Whitelist DeviceControl 只读白名单，从不修改
type Whitelist interface {
	IsApproved(ctx context.Context, deviceID string) bool
	Refresh(ctx context.Context) error
}

type jobKind int

const (
	jobArrival jobKind = iota
	jobRemoval
)

type job struct {
	kind jobKind
	dev  model.UsbDeviceInfo
}

type Options struct {
	Workers   int
	QueueSize int
	// Classify 默认 analysis.ClassifyDevice
	Classify func(sysPath string) analysis.DeviceClass
}

// Service Disabled -> Enabled -> Disabled。
// watcher 回调只负责入队，白名单查询与弹出在 worker 中进行。
type Service struct {
	watcher   watcher.DeviceWatcher
	whitelist Whitelist
	ejector   blackwhitelist.Ejector
	rec       model.Recorder
	classify  func(string) analysis.DeviceClass
	workers   int
	queueSize int
	log       *zap.Logger

	status atomic.Pointer[model.UsbBlockingStatus]

	// lifeMu 保护 Start/Stop
	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// qMu 保护 jobs，回调与 Stop 之间不能共用 lifeMu (Stop 要等 watcher 退出)
	qMu  sync.RWMutex
	jobs chan job
}

func New(w watcher.DeviceWatcher, wl Whitelist, ej blackwhitelist.Ejector, rec model.Recorder, log *zap.Logger, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Classify == nil {
		opts.Classify = analysis.ClassifyDevice
	}
	s := &Service{
		watcher:   w,
		whitelist: wl,
		ejector:   ej,
		rec:       rec,
		classify:  opts.Classify,
		workers:   opts.Workers,
		queueSize: opts.QueueSize,
		log:       log.Named("devicecontrol"),
	}
	s.setStatus(model.UsbBlockingStatus{State: model.BlockingDisabled})
	return s
}

func (s *Service) Status() model.UsbBlockingStatus { return *s.status.Load() }

func (s *Service) setStatus(st model.UsbBlockingStatus) { s.status.Store(&st) }

func (s *Service) fail(reason string) {
	s.setStatus(model.UsbBlockingStatus{State: model.BlockingError, Reason: reason})
}

// Start 已启用时直接返回
func (s *Service) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.Status().IsEnabled() {
		return nil
	}

	if err := s.watcher.OnArrival(s.onArrival); err != nil {
		s.fail("arrival notification registration failed: " + err.Error())
		return fmt.Errorf("register arrival handler: %w", err)
	}
	if err := s.watcher.OnRemoval(s.onRemoval); err != nil {
		// 移除通知缺失不影响拦截
		s.log.Warn("Failed to register removal notifications", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobs := make(chan job, s.queueSize)
	s.qMu.Lock()
	s.jobs = jobs
	s.qMu.Unlock()
	for range s.workers {
		s.wg.Add(1)
		go s.worker(ctx, jobs)
	}
	s.cancel = cancel

	if err := s.watcher.Start(); err != nil {
		s.shutdown()
		s.fail("device watcher failed to start: " + err.Error())
		return fmt.Errorf("start device watcher: %w", err)
	}

	s.setStatus(model.UsbBlockingStatus{State: model.BlockingEnabled})
	s.log.Info("🛡️ USB blocking enabled", zap.Int("workers", s.workers))
	return nil
}

// Stop 已停用时直接返回；Error 状态也会清理资源并回到 Disabled
func (s *Service) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel == nil {
		if s.Status().State == model.BlockingError {
			s.setStatus(model.UsbBlockingStatus{State: model.BlockingDisabled})
		}
		return
	}
	s.watcher.Stop()
	s.shutdown()
	s.setStatus(model.UsbBlockingStatus{State: model.BlockingDisabled})
	s.log.Info("USB blocking disabled")
}

func (s *Service) shutdown() {
	s.cancel()
	s.cancel = nil

	s.qMu.Lock()
	close(s.jobs)
	s.jobs = nil
	s.qMu.Unlock()

	s.wg.Wait()
}

// RefreshWhitelist 忽略 TTL 立即刷新
func (s *Service) RefreshWhitelist(ctx context.Context) error {
	if err := s.whitelist.Refresh(ctx); err != nil {
		s.log.Warn("Manual whitelist refresh failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) onArrival(dev model.UsbDeviceInfo) { s.enqueue(job{kind: jobArrival, dev: dev}) }
func (s *Service) onRemoval(dev model.UsbDeviceInfo) { s.enqueue(job{kind: jobRemoval, dev: dev}) }

// enqueue 在 watcher goroutine 上执行，绝不阻塞
func (s *Service) enqueue(j job) {
	s.qMu.RLock()
	defer s.qMu.RUnlock()
	if s.jobs == nil {
		return
	}
	select {
	case s.jobs <- j:
	default:
		s.log.Error("Device event dropped", zap.Error(ErrQueueFull), zap.String("device_id", j.dev.DeviceID))
		s.rec.Record(model.NewActivityEvent(model.SystemNotice, model.Critical,
			"USB event dropped, enforcement queue full: "+j.dev.DisplayName(),
			map[string]string{"DeviceID": j.dev.DeviceID, "Reason": ErrQueueFull.Error()}))
	}
}

func (s *Service) worker(ctx context.Context, jobs <-chan job) {
	defer s.wg.Done()
	for j := range jobs {
		if ctx.Err() != nil {
			continue
		}
		switch j.kind {
		case jobArrival:
			s.handleArrival(ctx, j.dev)
		case jobRemoval:
			s.handleRemoval(j.dev)
		}
	}
}

func (s *Service) handleArrival(ctx context.Context, dev model.UsbDeviceInfo) {
	class := s.classify(dev.SysPath)
	if class.Suspicious() {
		s.log.Error("🚨 BADUSB suspected", zap.String("device_id", dev.DeviceID), zap.String("serial", dev.SerialNumber))
	}

	if s.whitelist.IsApproved(ctx, dev.DeviceID) {
		s.log.Info("✅ USB device approved", zap.String("device_id", dev.DeviceID), zap.String("name", dev.DisplayName()))
		s.rec.Record(model.NewActivityEvent(model.UsbConnected, model.Medium,
			"USB device connected: "+dev.DisplayName(),
			deviceDetails(dev, class, false, "Device is whitelisted")))
		return
	}

	ejected, err := s.ejector.Eject(ctx, dev)
	if !ejected {
		s.log.Error("Failed to block USB device", zap.String("device_id", dev.DeviceID), zap.Error(err))
		details := deviceDetails(dev, class, false, "Device not in whitelist, ejection failed")
		if err != nil {
			details["Error"] = err.Error()
		}
		s.rec.Record(model.NewActivityEvent(model.UsbBlocked, model.Critical,
			"USB device could not be blocked: "+dev.DisplayName(), details))
		return
	}

	s.log.Warn("⛔ USB device blocked", zap.String("device_id", dev.DeviceID), zap.String("name", dev.DisplayName()))
	s.rec.Record(model.NewActivityEvent(model.UsbBlocked, model.High,
		"USB device blocked: "+dev.DisplayName(),
		deviceDetails(dev, class, true, "Device not in whitelist")))
}

func (s *Service) handleRemoval(dev model.UsbDeviceInfo) {
	s.log.Info("❌ USB device removed", zap.String("device_id", dev.DeviceID))
	s.rec.Record(model.NewActivityEvent(model.UsbRemoved, model.Low,
		"USB device removed: "+dev.DisplayName(), identityDetails(dev)))
}

func identityDetails(dev model.UsbDeviceInfo) map[string]string {
	return map[string]string{
		"DeviceID":     dev.DeviceID,
		"DeviceName":   orUnknown(dev.DeviceName),
		"VendorID":     orUnknown(dev.VendorID),
		"ProductID":    orUnknown(dev.ProductID),
		"SerialNumber": orUnknown(dev.SerialNumber),
	}
}

func deviceDetails(dev model.UsbDeviceInfo, class analysis.DeviceClass, blocked bool, reason string) map[string]string {
	d := identityDetails(dev)
	d["Blocked"] = strconv.FormatBool(blocked)
	d["Reason"] = reason
	d["DeviceClass"] = string(class)
	return d
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
