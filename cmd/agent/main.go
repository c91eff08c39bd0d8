package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Hara602/usbSentry/internal/config"
	"github.com/Hara602/usbSentry/internal/orchestrator"
	"github.com/Hara602/usbSentry/internal/sysutil"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func main() {
	if err := run(); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		logLevel     string
		logJSON      bool
		export       int
		check        bool
		allowNonRoot bool
	)
	flagSet := pflag.NewFlagSet("usbsentry", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	flagSet.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flagSet.BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	flagSet.IntVar(&export, "export", 0, "print the N most recent activities as JSON lines and exit")
	flagSet.BoolVar(&check, "check", false, "run one uninstall-attempt check and exit")
	flagSet.BoolVar(&allowNonRoot, "allow-non-root", false, "start without root (USB blocking and fanotify will fail)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	log, err := sysutil.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer log.Sync()

	if export > 0 {
		return exportHistory(cfg, log, export)
	}

	// Netlink / Fanotify / sysfs authorized 都需要 Root 权限
	if os.Geteuid() != 0 && !allowNonRoot {
		return errors.New("must run as root (required by netlink, fanotify and sysfs); use --allow-non-root to override")
	}

	var exitCode atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 防卸载钩子生效时由它接管终止信号：先发通知，再回调这里退出
	deps := orchestrator.Deps{
		Exit: func(code int) {
			exitCode.Store(int32(code))
			cancel()
		},
	}

	orch, err := orchestrator.New(cfg, log, deps)
	if err != nil {
		return err
	}

	if check {
		defer orch.Close()
		if orch.CheckForUninstallAttempts(ctx) {
			fmt.Println("uninstall attempt detected")
			return exitError{code: 2}
		}
		fmt.Println("no uninstall attempt detected")
		return nil
	}

	log.Info("🛡️ USB Sentry Agent Starting...")
	if err := orch.Start(ctx); err != nil {
		orch.Close()
		return err
	}

	// 防卸载未配置或初始化失败时自己处理信号，保证 Close 能刷完日志
	waitCtx := ctx
	if !orch.TamperHooksActive() {
		var stop context.CancelFunc
		waitCtx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	<-waitCtx.Done()
	log.Info("Shutting down...")
	if err := orch.Close(); err != nil {
		log.Warn("Close failed", zap.Error(err))
	}
	if code := exitCode.Load(); code != 0 {
		return exitError{code: int(code)}
	}
	return nil
}

func exportHistory(cfg *config.Config, log *zap.Logger, n int) error {
	// 只读导出，不需要投递与防卸载
	cfg.WebhookURL = ""
	cfg.UsbBlocking.Enabled = false
	orch, err := orchestrator.New(cfg, log, orchestrator.Deps{Producers: map[string]orchestrator.Producer{}})
	if err != nil {
		return err
	}
	defer orch.Close()

	events, err := orch.History(n)
	if err != nil {
		return fmt.Errorf("reading activity history: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
