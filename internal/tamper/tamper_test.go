package tamper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedIdentity struct{}

func (fixedIdentity) DeviceInfo(context.Context) model.DeviceInfo {
	return model.DeviceInfo{
		ComputerName: "ws-042",
		SerialNumber: "SN123",
		MACAddresses: []string{"aa:bb:cc:dd:ee:ff"},
	}
}

// webhook 计数 POST 并保存最后一个 body
type webhook struct {
	srv    *httptest.Server
	posts  atomic.Int32
	mu     sync.Mutex
	last   map[string]any
	status int
}

func newWebhook(t *testing.T, status int) *webhook {
	t.Helper()
	w := &webhook{status: status}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.mu.Lock()
		w.last = body
		w.mu.Unlock()
		w.posts.Add(1)
		rw.WriteHeader(w.status)
	}))
	t.Cleanup(w.srv.Close)
	return w
}

type env struct {
	install string
	marker  string
}

func newEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	install := filepath.Join(root, "opt", "usbsentry")
	require.NoError(t, os.MkdirAll(install, 0o755))
	return env{install: install, marker: filepath.Join(root, "state", "liveness.json")}
}

func newService(t *testing.T, e env, hook *webhook, mod func(*Options)) *Service {
	t.Helper()
	opts := Options{
		WebhookURL:         hook.srv.URL,
		MarkerPath:         e.marker,
		InstallationPath:   e.install,
		Interval:           20 * time.Millisecond,
		NotifyTimeout:      time.Second,
		UninstallProcesses: []string{"dpkg", "apt-get"},
		UninstallKeywords:  []string{"uninstall", "remove"},
		UninstallCommands:  []string{"apt-get remove", "dpkg -r"},
		Identity:           fixedIdentity{},
		Processes:          func(context.Context) ([]sysutil.Process, error) { return nil, nil },
		Args:               []string{"/opt/usbsentry/agent", "--config", "/etc/usbsentry/config.yaml"},
		Exit:               func(int) {},
	}
	if mod != nil {
		mod(&opts)
	}
	s, err := New(zap.NewNop(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewRequiresWebhook(t *testing.T) {
	_, err := New(zap.NewNop(), Options{MarkerPath: "/tmp/x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestInitializeWritesMarker(t *testing.T) {
	e := newEnv(t)
	s := newService(t, e, newWebhook(t, http.StatusOK), nil)
	assert.Equal(t, Uninitialized, s.State())

	require.NoError(t, s.Initialize())
	require.NoError(t, s.Initialize())
	assert.Equal(t, Initialized, s.State())

	m, err := ReadMarker(e.marker)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), m.ProcessID)
	assert.Equal(t, e.install, m.InstallationPath)
	assert.NotEmpty(t, m.StartTime)

	fi, err := os.Stat(e.marker)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

// 安装目录被删除，一个周期内恰好一次 POST，循环不再重启
func TestInstallationRemovedNotifiesOnce(t *testing.T) {
	e := newEnv(t)
	hook := newWebhook(t, http.StatusOK)
	s := newService(t, e, hook, nil)
	require.NoError(t, s.Initialize())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, hook.posts.Load())

	require.NoError(t, os.RemoveAll(e.install))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("verification loop did not stop")
	}

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, hook.posts.Load())
	assert.Equal(t, NotificationSent, s.State())
}

func TestMarkerRemovedTriggersNotification(t *testing.T) {
	e := newEnv(t)
	hook := newWebhook(t, http.StatusOK)
	s := newService(t, e, hook, nil)
	require.NoError(t, s.Initialize())
	require.NoError(t, os.Remove(e.marker))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Run(ctx)

	assert.EqualValues(t, 1, hook.posts.Load())
	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, "UninstallDetected", hook.last["type"])
	assert.Equal(t, "Critical", hook.last["severity"])
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	hook := newWebhook(t, http.StatusOK)
	s := newService(t, e, hook, nil)
	require.NoError(t, s.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}
	assert.Zero(t, hook.posts.Load())
}

func TestSendUninstallNotificationPayload(t *testing.T) {
	e := newEnv(t)
	hook := newWebhook(t, http.StatusOK)
	var local []model.ActivityEvent
	s := newService(t, e, hook, func(o *Options) {
		o.Local = model.RecorderFunc(func(ev model.ActivityEvent) { local = append(local, ev) })
	})

	s.SendUninstallNotification(context.Background())

	require.EqualValues(t, 1, hook.posts.Load())
	hook.mu.Lock()
	body := hook.last
	hook.mu.Unlock()

	info := body["deviceInfo"].(map[string]any)
	assert.Equal(t, "SN123", info["serialNumber"])
	un := body["uninstallDetails"].(map[string]any)
	assert.EqualValues(t, os.Getpid(), un["processId"])
	assert.Equal(t, "agent", un["processName"])
	assert.Contains(t, un["commandLine"], "--config")

	require.Len(t, local, 1)
	assert.Equal(t, model.UninstallDetected, local[0].Type)
	assert.Equal(t, "ws-042_SN123_aa:bb:cc:dd:ee:ff", local[0].Details["DeviceFingerprint"])
}

func TestSendUninstallNotificationFailureIsSwallowed(t *testing.T) {
	e := newEnv(t)
	hook := newWebhook(t, http.StatusInternalServerError)
	s := newService(t, e, hook, nil)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, func() { s.SendUninstallNotification(context.Background()) })
		}()
	}
	wg.Wait()
	// 不重试
	assert.EqualValues(t, 3, hook.posts.Load())
	assert.Equal(t, 3, s.Sends())
}

func TestCheckForUninstallAttempts(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)

	t.Run("clean", func(t *testing.T) {
		e := newEnv(t)
		s := newService(t, e, hook, nil)
		require.NoError(t, s.Initialize())
		assert.False(t, s.CheckForUninstallAttempts(context.Background()))
	})

	t.Run("marker missing", func(t *testing.T) {
		s := newService(t, newEnv(t), hook, nil)
		assert.True(t, s.CheckForUninstallAttempts(context.Background()))
	})

	t.Run("uninstaller running", func(t *testing.T) {
		e := newEnv(t)
		s := newService(t, e, hook, func(o *Options) {
			o.Processes = func(context.Context) ([]sysutil.Process, error) {
				return []sysutil.Process{{PID: 1, Name: "systemd"}, {PID: 4242, Name: "dpkg"}}, nil
			}
		})
		require.NoError(t, s.Initialize())
		assert.True(t, s.CheckForUninstallAttempts(context.Background()))
	})

	t.Run("routine package maintenance", func(t *testing.T) {
		e := newEnv(t)
		s := newService(t, e, hook, func(o *Options) {
			o.UninstallProcesses = []string{"usbsentry-uninstall"}
			o.Processes = func(context.Context) ([]sysutil.Process, error) {
				return []sysutil.Process{
					{PID: 10, Name: "apt-get", Cmdline: "apt-get -y upgrade"},
					{PID: 11, Name: "dpkg", Cmdline: "/usr/bin/dpkg --configure -a"},
				}, nil
			}
		})
		require.NoError(t, s.Initialize())
		assert.False(t, s.CheckForUninstallAttempts(context.Background()))
	})

	t.Run("removal command running", func(t *testing.T) {
		e := newEnv(t)
		s := newService(t, e, hook, func(o *Options) {
			o.UninstallProcesses = []string{"usbsentry-uninstall"}
			o.Processes = func(context.Context) ([]sysutil.Process, error) {
				return []sysutil.Process{{PID: 12, Name: "dpkg", Cmdline: "/usr/bin/dpkg -r usbsentry"}}, nil
			}
		})
		require.NoError(t, s.Initialize())
		assert.True(t, s.CheckForUninstallAttempts(context.Background()))
	})

	t.Run("process list error", func(t *testing.T) {
		e := newEnv(t)
		s := newService(t, e, hook, func(o *Options) {
			o.Processes = func(context.Context) ([]sysutil.Process, error) { return nil, errors.New("denied") }
		})
		require.NoError(t, s.Initialize())
		assert.False(t, s.CheckForUninstallAttempts(context.Background()))
	})

	t.Run("uninstall argument", func(t *testing.T) {
		e := newEnv(t)
		s := newService(t, e, hook, func(o *Options) {
			o.Args = []string{"/opt/usbsentry/agent", "--Uninstall"}
		})
		require.NoError(t, s.Initialize())
		assert.True(t, s.CheckForUninstallAttempts(context.Background()))
		assert.Zero(t, s.Sends())
	})
}

func TestMatchCommand(t *testing.T) {
	commands := []string{"apt-get remove", "dpkg -P", "rpm -e"}
	for cmdline, want := range map[string]bool{
		"apt-get -y remove usbsentry": true,
		"/usr/bin/APT-GET remove x":   true,
		"apt-get install usbsentry":   false,
		"dpkg -P usbsentry":           true,
		"dpkg -p usbsentry":           false,
		"rpm -qa":                     false,
		"/bin/rpm -e usbsentry-1.0":   true,
		"":                            false,
		"remove apt-get":              false,
	} {
		_, got := matchCommand(cmdline, commands)
		assert.Equal(t, want, got, "cmdline %q", cmdline)
	}
}
