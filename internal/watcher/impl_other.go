//go:build !linux

package watcher

import "go.uber.org/zap"

type unsupportedWatcher struct {
	*dispatcher
}

func newWatcher(log *zap.Logger) DeviceWatcher {
	return &unsupportedWatcher{dispatcher: newDispatcher("", log)}
}

func (w *unsupportedWatcher) Start() error { return ErrUnsupported }
func (w *unsupportedWatcher) Stop()        {}
