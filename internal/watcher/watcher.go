package watcher

import (
	"errors"

	"github.com/Hara602/usbSentry/internal/model"
	"go.uber.org/zap"
)

var (
	ErrNilHandler  = errors.New("nil device handler")
	ErrUnsupported = errors.New("device watching is not supported on this platform")
)

// Handler 在监听 goroutine 上同步调用，必须尽快返回
type Handler func(model.UsbDeviceInfo)

// DeviceWatcher USB 存储设备插拔通知
type DeviceWatcher interface {
	OnArrival(Handler) error
	OnRemoval(Handler) error
	Start() error
	Stop()
}

func New(log *zap.Logger) DeviceWatcher {
	return newWatcher(log.Named("watcher"))
}
