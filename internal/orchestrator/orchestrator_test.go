package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hara602/usbSentry/internal/config"
	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWatcher struct {
	mu       sync.Mutex
	arrival  watcher.Handler
	startErr error
	running  bool
}

func (w *fakeWatcher) OnArrival(h watcher.Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.arrival = h
	return nil
}

func (w *fakeWatcher) OnRemoval(watcher.Handler) error { return nil }

func (w *fakeWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startErr != nil {
		return w.startErr
	}
	w.running = true
	return nil
}

func (w *fakeWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
}

func (w *fakeWatcher) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *fakeWatcher) arrive(dev model.UsbDeviceInfo) {
	w.mu.Lock()
	h := w.arrival
	w.mu.Unlock()
	h(dev)
}

type fakeEjector struct{ calls atomic.Int32 }

func (e *fakeEjector) Eject(context.Context, model.UsbDeviceInfo) (bool, error) {
	e.calls.Add(1)
	return true, nil
}

type listSource []string

func (l listSource) Fetch(context.Context) ([]string, error) { return l, nil }

type fixedIdentity struct{}

func (fixedIdentity) DeviceInfo(context.Context) model.DeviceInfo {
	return model.DeviceInfo{ComputerName: "ws-042"}
}

// tickProducer 启动时上报一条事件，然后等待取消
type tickProducer struct {
	err     error
	stopped atomic.Bool
}

func (p *tickProducer) Run(ctx context.Context, rec model.Recorder) error {
	if p.err != nil {
		return p.err
	}
	rec.Record(model.NewActivityEvent(model.BlacklistedApp, model.High, "Blacklisted application detected: tor", nil))
	<-ctx.Done()
	p.stopped.Store(true)
	return nil
}

type harness struct {
	cfg      *config.Config
	watcher  *fakeWatcher
	ejector  *fakeEjector
	producer *tickProducer
	posts    atomic.Int32
	install  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{watcher: &fakeWatcher{}, ejector: &fakeEjector{}, producer: &tickProducer{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.posts.Add(1)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	h.install = filepath.Join(root, "opt")
	require.NoError(t, os.MkdirAll(h.install, 0o755))

	cfg := config.Default()
	cfg.WebhookURL = srv.URL
	cfg.Monitoring.RetryDelay = 10 * time.Millisecond
	cfg.UsbBlocking.APIKey = "key"
	cfg.UsbBlocking.SpreadsheetID = "sheet"
	cfg.Tamper.MarkerPath = filepath.Join(root, "state", "liveness.json")
	cfg.Tamper.InstallationPath = h.install
	cfg.Tamper.CheckInterval = time.Hour
	cfg.Tamper.UninstallProcesses = []string{"usbsentry-remover"}
	cfg.Tamper.UninstallKeywords = []string{"usbsentry-uninstall"}
	cfg.Tamper.UninstallCommands = nil
	cfg.Journal.Path = filepath.Join(root, "state", "activity.db")
	h.cfg = cfg
	return h
}

func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, zap.NewNop(), Deps{
		Watcher:   h.watcher,
		Ejector:   h.ejector,
		Whitelist: listSource{"VID_0781&PID_5567"},
		Identity:  fixedIdentity{},
		Producers: map[string]Producer{"test": h.producer},
		Exit:      func(int) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func hasEvent(o *Orchestrator, typ model.EventType) bool {
	for _, ev := range o.Activities() {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	assert.Equal(t, model.MonitoringStopped, o.Status().State)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Status().IsRunning())
	assert.True(t, o.UsbBlockingStatus().IsEnabled())
	assert.FileExists(t, h.cfg.Tamper.MarkerPath)
	assert.True(t, o.TamperHooksActive())

	require.Eventually(t, func() bool { return hasEvent(o, model.BlacklistedApp) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.posts.Load() >= 2 }, time.Second, 5*time.Millisecond)

	o.Stop()
	o.Stop()
	assert.Equal(t, model.MonitoringStopped, o.Status().State)
	assert.Equal(t, model.BlockingDisabled, o.UsbBlockingStatus().State)
	assert.True(t, h.producer.stopped.Load())
	assert.False(t, h.watcher.isRunning())
}

func TestDeviceEventsFlowIntoLog(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	require.NoError(t, o.Start(context.Background()))

	h.watcher.arrive(model.NewUsbDeviceInfo("0781", "5567", "Cruzer Blade", ""))
	h.watcher.arrive(model.NewUsbDeviceInfo("0951", "1666", "DataTraveler", ""))

	require.Eventually(t, func() bool {
		return hasEvent(o, model.UsbConnected) && hasEvent(o, model.UsbBlocked)
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.ejector.calls.Load())
}

func TestUnconfiguredSubsystemsDegrade(t *testing.T) {
	h := newHarness(t)
	h.cfg.UsbBlocking.APIKey = ""
	h.cfg.WebhookURL = ""
	o := h.build(t)

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Status().IsRunning())
	assert.Equal(t, "Disabled", o.UsbBlockingStatus().String())
	assert.ErrorIs(t, o.RefreshWhitelist(context.Background()), ErrNotConfigured)
	assert.False(t, o.CheckForUninstallAttempts(context.Background()))
	assert.NoFileExists(t, h.cfg.Tamper.MarkerPath)
	assert.False(t, o.TamperHooksActive())
	assert.Zero(t, h.posts.Load())
}

func TestTamperInitializeFailureLeavesHooksInactive(t *testing.T) {
	h := newHarness(t)
	// 标记文件的父目录是普通文件，写入失败
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	h.cfg.Tamper.MarkerPath = filepath.Join(blocker, "liveness.json")
	o := h.build(t)

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Status().IsRunning())
	assert.False(t, o.TamperHooksActive())

	var notice bool
	for _, ev := range o.Activities() {
		if ev.Type == model.SystemNotice && ev.Severity == model.High {
			notice = true
		}
	}
	assert.True(t, notice)
}

func TestUsbStartFailureKeepsMonitoring(t *testing.T) {
	h := newHarness(t)
	h.watcher.startErr = watcher.ErrUnsupported
	o := h.build(t)

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Status().IsRunning())
	assert.Equal(t, model.BlockingError, o.UsbBlockingStatus().State)

	var notice bool
	for _, ev := range o.Activities() {
		if ev.Type == model.SystemNotice && ev.Severity == model.High {
			notice = true
		}
	}
	assert.True(t, notice)
}

func TestProducerFailureRecorded(t *testing.T) {
	h := newHarness(t)
	h.producer.err = errors.New("fanotify unavailable")
	o := h.build(t)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, ev := range o.Activities() {
			if ev.Type == model.SystemNotice && ev.Severity == model.Low && ev.Description != "Monitoring started" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRefreshWhitelistAndUninstallCheck(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.RefreshWhitelist(context.Background()))
	assert.False(t, o.CheckForUninstallAttempts(context.Background()))

	require.NoError(t, os.RemoveAll(h.install))
	assert.True(t, o.CheckForUninstallAttempts(context.Background()))
}

func TestHistoryFromJournal(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	require.NoError(t, o.Start(context.Background()))
	o.Record(model.NewActivityEvent(model.FileTransfer, model.Medium, "File create on USB: a.txt", nil))
	require.NoError(t, o.Close())

	// 重新打开，从 SQLite 读回
	o2 := h.build(t)
	events, err := o2.History(100)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Description == "File create on USB: a.txt" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStartAfterClose(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)
	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.Start(context.Background()), ErrClosed)
	assert.Equal(t, model.MonitoringError, o.Status().State)
}
