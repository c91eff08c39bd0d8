package sysutil

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Process 进程表中的一项
type Process struct {
	PID     int32
	Name    string
	Cmdline string
}

// ProcessLister 进程表快照
type ProcessLister func(ctx context.Context) ([]Process, error)

// ListProcesses 读进程表；单个进程读取失败 (已退出、无权限) 时跳过
func ListProcesses(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, Process{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}
