// Package procscan 周期性扫描进程表，上报黑名单程序与安装程序。
package procscan

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Hara602/usbSentry/internal/model"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Second

// shortKeyword 不超过这个长度的关键词只按完整单词匹配 ("tor" 不能命中 "monitor")
const shortKeyword = 4

type Scanner struct {
	Interval    time.Duration
	Blacklisted []string
	Installers  []string
	Processes   sysutil.ProcessLister

	log *zap.Logger
	// 已上报的 pid -> 进程名 (pid 复用时名字会变)
	seen map[int32]string
}

func New(log *zap.Logger, interval time.Duration, blacklisted, installers []string) *Scanner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scanner{
		Interval:    interval,
		Blacklisted: blacklisted,
		Installers:  installers,
		Processes:   sysutil.ListProcesses,
		log:         log.Named("procscan"),
		seen:        make(map[int32]string),
	}
}

// Run 阻塞直到 ctx 结束；列进程失败只记录日志，不会返回错误
func (s *Scanner) Run(ctx context.Context, rec model.Recorder) error {
	s.log.Info("Process monitoring started", zap.Duration("interval", s.Interval))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		s.Scan(ctx, rec)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan 扫描一次；同一进程只上报一次
func (s *Scanner) Scan(ctx context.Context, rec model.Recorder) {
	procs, err := s.Processes(ctx)
	if err != nil {
		s.log.Warn("Failed to list processes", zap.Error(err))
		return
	}

	alive := make(map[int32]bool, len(procs))
	for _, p := range procs {
		alive[p.PID] = true
		if s.seen[p.PID] == p.Name {
			continue
		}
		s.seen[p.PID] = p.Name

		details := map[string]string{
			"ProcessName": p.Name,
			"ProcessId":   strconv.Itoa(int(p.PID)),
			"CommandLine": p.Cmdline,
		}
		if kw, ok := matchAny(p.Name, s.Blacklisted); ok {
			details["Keyword"] = kw
			rec.Record(model.NewActivityEvent(model.BlacklistedApp, model.High,
				"Blacklisted application detected: "+p.Name, details))
			continue
		}
		if kw, ok := matchAny(p.Name, s.Installers); ok {
			details["Keyword"] = kw
			rec.Record(model.NewActivityEvent(model.AppInstallation, model.Medium,
				"Application installation detected: "+p.Name, details))
		}
	}

	for pid := range s.seen {
		if !alive[pid] {
			delete(s.seen, pid)
		}
	}
}

func matchAny(name string, keywords []string) (string, bool) {
	lower := strings.ToLower(name)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if len(kw) > shortKeyword {
			if strings.Contains(lower, kw) {
				return kw, true
			}
			continue
		}
		for _, t := range tokens {
			if t == kw {
				return kw, true
			}
		}
	}
	return "", false
}
