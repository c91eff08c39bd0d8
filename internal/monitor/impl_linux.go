//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	metadataSize = 24
	// fanotify_event_info_fid: header(4) + fsid(8) + handle_bytes(4) + handle_type(4)
	infoFidHeaderSize = 20
	pollTimeoutMs     = 250
)

const watchMask = unix.FAN_CLOSE_WRITE |
	unix.FAN_CREATE |
	unix.FAN_DELETE |
	unix.FAN_MOVED_TO |
	unix.FAN_MOVED_FROM |
	unix.FAN_EVENT_ON_CHILD

type watch struct {
	mount string
	fd    int // 挂载点目录，用于 open_by_handle_at
	mark  uint
}

type fanotifyBackend struct {
	fd     int
	events chan FileEvent
	stop   chan struct{}
	done   chan struct{}
	log    *zap.Logger

	mu      sync.Mutex
	watches map[[2]int32]*watch // key: fsid
}

func newBackend(log *zap.Logger) (backend, error) {
	flags := uint(unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_DFID_NAME |
		unix.FAN_CLOEXEC |
		unix.FAN_NONBLOCK |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY))
	if err != nil {
		return nil, fmt.Errorf("fanotify init failed: %w", err)
	}
	f := &fanotifyBackend{
		fd:      fd,
		events:  make(chan FileEvent, 100),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
		watches: make(map[[2]int32]*watch),
	}
	go f.loop()
	return f, nil
}

func (f *fanotifyBackend) Events() <-chan FileEvent { return f.events }

// AddWatch 优先 FAN_MARK_FILESYSTEM 递归监控整个文件系统，失败时退化为只监控挂载点目录
func (f *fanotifyBackend) AddWatch(mount string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", mount, err)
	}
	dirFd, err := unix.Open(mount, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", mount, err)
	}

	mark := uint(unix.FAN_MARK_ADD | unix.FAN_MARK_FILESYSTEM)
	if err := unix.FanotifyMark(f.fd, mark, watchMask|unix.FAN_ONDIR, unix.AT_FDCWD, mount); err != nil {
		f.log.Warn("FAN_MARK_FILESYSTEM failed, falling back to directory mode", zap.String("path", mount), zap.Error(err))
		mark = unix.FAN_MARK_ADD
		if err := unix.FanotifyMark(f.fd, mark, watchMask|unix.FAN_ONDIR, unix.AT_FDCWD, mount); err != nil {
			unix.Close(dirFd)
			return fmt.Errorf("fanotify mark %s: %w", mount, err)
		}
	}

	f.mu.Lock()
	f.watches[st.Fsid.Val] = &watch{mount: mount, fd: dirFd, mark: mark &^ unix.FAN_MARK_ADD}
	f.mu.Unlock()
	return nil
}

func (f *fanotifyBackend) RemoveWatch(mount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fsid, w := range f.watches {
		if w.mount != mount {
			continue
		}
		// 设备已拔出时 mark 会随文件系统一起消失，这里的错误可以忽略
		_ = unix.FanotifyMark(f.fd, unix.FAN_MARK_REMOVE|w.mark, watchMask|unix.FAN_ONDIR, unix.AT_FDCWD, mount)
		unix.Close(w.fd)
		delete(f.watches, fsid)
	}
}

func (f *fanotifyBackend) Close() {
	close(f.stop)
	<-f.done
	f.mu.Lock()
	for fsid, w := range f.watches {
		unix.Close(w.fd)
		delete(f.watches, fsid)
	}
	f.mu.Unlock()
	unix.Close(f.fd)
}

func (f *fanotifyBackend) loop() {
	defer close(f.done)
	defer close(f.events)

	buf := make([]byte, 8192)
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			f.log.Error("fanotify poll failed", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(f.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			f.log.Error("fanotify read failed", zap.Error(err))
			return
		}
		for _, ev := range f.parse(buf[:n]) {
			select {
			case f.events <- ev:
			case <-f.stop:
				return
			}
		}
	}
}

// parse 缓冲区: [metadata][info_fid...] [metadata][info_fid...] ...
func (f *fanotifyBackend) parse(buf []byte) []FileEvent {
	var out []FileEvent
	for off := 0; off+metadataSize <= len(buf); {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[off:off+metadataSize]), binary.NativeEndian, &meta); err != nil {
			f.log.Error("fanotify metadata read failed", zap.Error(err))
			break
		}
		end := off + int(meta.Event_len)
		if meta.Event_len < metadataSize || end > len(buf) {
			break
		}
		if meta.Fd >= 0 {
			unix.Close(int(meta.Fd))
		}
		if meta.Vers == unix.FANOTIFY_METADATA_VERSION {
			out = append(out, f.decode(buf[off+int(meta.Metadata_len):end], meta)...)
		}
		off = end
	}
	return out
}

func (f *fanotifyBackend) decode(info []byte, meta unix.FanotifyEventMetadata) []FileEvent {
	var out []FileEvent
	op := opString(meta.Mask)
	proc := procName(meta.Pid)
	for len(info) >= 4 {
		typ := info[0]
		l := int(binary.NativeEndian.Uint16(info[2:4]))
		if l < 4 || l > len(info) {
			break
		}
		rec := info[:l]
		info = info[l:]

		// 只关心 DFID_NAME: 目录句柄 + 文件名
		if typ != unix.FAN_EVENT_INFO_TYPE_DFID_NAME || l < infoFidHeaderSize {
			continue
		}
		fsid := [2]int32{
			int32(binary.NativeEndian.Uint32(rec[4:8])),
			int32(binary.NativeEndian.Uint32(rec[8:12])),
		}
		handleBytes := int(binary.NativeEndian.Uint32(rec[12:16]))
		handleType := int32(binary.NativeEndian.Uint32(rec[16:20]))
		if infoFidHeaderSize+handleBytes > l {
			continue
		}
		handle := rec[infoFidHeaderSize : infoFidHeaderSize+handleBytes]
		name := rec[infoFidHeaderSize+handleBytes:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if len(name) == 0 || string(name) == "." {
			continue
		}

		mount, dir := f.resolveDir(fsid, handleType, handle)
		out = append(out, FileEvent{
			PID:     meta.Pid,
			Process: proc,
			Mount:   mount,
			Path:    filepath.Join(dir, string(name)),
			Op:      op,
			Time:    time.Now(),
		})
	}
	return out
}

// resolveDir 通过 open_by_handle_at 还原目录路径；失败时退回挂载点
func (f *fanotifyBackend) resolveDir(fsid [2]int32, handleType int32, handle []byte) (mount, dir string) {
	f.mu.Lock()
	w, ok := f.watches[fsid]
	f.mu.Unlock()
	if !ok {
		return "", ""
	}
	fd, err := unix.OpenByHandleAt(w.fd, unix.NewFileHandle(handleType, handle), unix.O_PATH)
	if err != nil {
		return w.mount, w.mount
	}
	defer unix.Close(fd)
	p, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
	if err != nil {
		return w.mount, w.mount
	}
	return w.mount, p
}

func opString(mask uint64) string {
	var ops []string
	for _, m := range []struct {
		bit  uint64
		name string
	}{
		{unix.FAN_CREATE, "CREATE"},
		{unix.FAN_CLOSE_WRITE, "CLOSE_WRITE"},
		{unix.FAN_DELETE, "DELETE"},
		{unix.FAN_MOVED_TO, "MOVED_TO"},
		{unix.FAN_MOVED_FROM, "MOVED_FROM"},
	} {
		if mask&m.bit != 0 {
			ops = append(ops, m.name)
		}
	}
	if len(ops) == 0 {
		return fmt.Sprintf("OTHER(0x%x)", mask)
	}
	return strings.Join(ops, "|")
}
