//go:build unix

package tamper

import (
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalHookNotifiesThenExits(t *testing.T) {
	e := newEnv(t)
	hook := newWebhook(t, http.StatusOK)
	exited := make(chan int, 1)
	s := newService(t, e, hook, func(o *Options) {
		o.Exit = func(code int) { exited <- code }
	})
	require.NoError(t, s.Initialize())

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	select {
	case code := <-exited:
		assert.Equal(t, 128+int(syscall.SIGHUP), code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit hook not called")
	}
	// 先发通知再退出
	assert.EqualValues(t, 1, hook.posts.Load())
	assert.Equal(t, NotificationSent, s.State())
}
