//go:build !linux

package monitor

import "go.uber.org/zap"

func newBackend(*zap.Logger) (backend, error) { return nil, ErrUnsupported }
