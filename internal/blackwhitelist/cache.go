package blackwhitelist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbSentry/internal/model"
	"go.uber.org/zap"
)

// DefaultTTL 白名单缓存有效期
const DefaultTTL = 5 * time.Minute

// Source 远端白名单数据源
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Snapshot 一次成功拉取的完整白名单 (已规范化)
type Snapshot struct {
	Entries   []string
	FetchedAt time.Time
}

// Populated 是否成功拉取过
func (s Snapshot) Populated() bool { return !s.FetchedAt.IsZero() }

// Cache 带 TTL 的设备白名单缓存。
// 刷新成功则整体替换，失败保留旧快照；读者永远不会被刷新阻塞。
type Cache struct {
	source Source
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time

	refreshMu sync.Mutex
	snap      atomic.Pointer[Snapshot]

	localAllow []string
	localBlock []string
}

type Option func(*Cache)

// WithLocalEntries 本地白名单/黑名单，黑名单优先
func WithLocalEntries(allow, block []string) Option {
	return func(c *Cache) {
		c.localAllow = normalizeAll(allow)
		c.localBlock = normalizeAll(block)
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(source Source, ttl time.Duration, log *zap.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		source: source,
		ttl:    ttl,
		log:    log.Named("whitelist"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&Snapshot{})
	return c
}

// IsApproved 设备是否在白名单中。
// 缓存过期时同步刷新一次，刷新失败使用旧缓存 (从未成功过则为空，全部拒绝)。
func (c *Cache) IsApproved(ctx context.Context, deviceID string) bool {
	dev := model.NormalizeDeviceID(deviceID)
	if dev == "" {
		return false
	}
	if matchAny(c.localBlock, dev) {
		return false
	}
	if matchAny(c.localAllow, dev) {
		return true
	}
	return matchAny(c.current(ctx).Entries, dev)
}

// Refresh 无视 TTL 强制刷新 (运维手动“立即生效”)
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

// Snapshot 当前快照的拷贝
func (c *Cache) Snapshot() Snapshot {
	s := c.snap.Load()
	return Snapshot{Entries: append([]string(nil), s.Entries...), FetchedAt: s.FetchedAt}
}

// Stats 白名单条目统计: valid 表示同时含 VID_ 与 PID_
func (c *Cache) Stats() (total, valid, invalid int) {
	entries := c.snap.Load().Entries
	for _, e := range entries {
		if strings.Contains(e, "VID_") && strings.Contains(e, "PID_") {
			valid++
		}
	}
	return len(entries), valid, len(entries) - valid
}

func (c *Cache) fresh(s *Snapshot) bool {
	return s.Populated() && c.now().Sub(s.FetchedAt) < c.ttl
}

func (c *Cache) current(ctx context.Context) *Snapshot {
	s := c.snap.Load()
	if c.fresh(s) {
		return s
	}
	// 同一时间只有一个调用者刷新，其余直接读旧快照
	if !c.refreshMu.TryLock() {
		return s
	}
	defer c.refreshMu.Unlock()

	if s = c.snap.Load(); c.fresh(s) {
		return s
	}
	if err := c.refreshLocked(ctx); err != nil {
		c.log.Warn("Whitelist refresh failed, using cached entries",
			zap.Error(err),
			zap.Int("cached", len(s.Entries)),
			zap.Time("fetched_at", s.FetchedAt))
	}
	return c.snap.Load()
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	raw, err := c.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch whitelist: %w", err)
	}
	entries := normalizeAll(raw)
	c.snap.Store(&Snapshot{Entries: entries, FetchedAt: c.now()})
	c.log.Info("Whitelist refreshed", zap.Int("entries", len(entries)))
	return nil
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		if n := model.NormalizeDeviceID(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// matchAny 子串匹配: 任一条目是设备 ID 的子串即命中 (兼容只写了 VID 的条目)
func matchAny(entries []string, normalizedDevice string) bool {
	for _, e := range entries {
		if e != "" && strings.Contains(normalizedDevice, e) {
			return true
		}
	}
	return false
}
