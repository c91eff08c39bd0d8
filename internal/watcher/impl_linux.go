//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct {
	*dispatcher

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newWatcher(log *zap.Logger) DeviceWatcher {
	return &linuxWatcher{dispatcher: newDispatcher("/sys", log)}
}

func (w *linuxWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return errors.New("watcher already started")
	}
	w.reset()

	// 监听 UDEV 事件, 连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("connect udev netlink: %w", err)
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	w.stop, w.done = stop, done

	go func() {
		defer close(done)
		// 确保退出时关闭连接
		defer conn.Close()

		// 在处理新事件前，先扫描已存在的设备
		w.scanExisting()

		for {
			select {
			case <-stop:
				close(quit)
				return
			case err := <-errChan:
				// 忽略底层网络错误，继续尝试
				w.log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.dispatch(string(uevent.Action), uevent.Env)
			}
		}
	}()
	return nil
}

func (w *linuxWatcher) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.reset()
}
