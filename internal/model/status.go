package model

// MonitoringState Orchestrator 状态
type MonitoringState int

const (
	MonitoringStopped MonitoringState = iota
	MonitoringRunning
	MonitoringError
)

type MonitoringStatus struct {
	State  MonitoringState
	Reason string
}

func (s MonitoringStatus) IsRunning() bool { return s.State == MonitoringRunning }

func (s MonitoringStatus) String() string {
	switch s.State {
	case MonitoringRunning:
		return "Running"
	case MonitoringError:
		return "Error: " + s.Reason
	}
	return "Stopped"
}

// BlockingState DeviceControlService 状态
type BlockingState int

const (
	BlockingDisabled BlockingState = iota
	BlockingEnabled
	BlockingError
)

type UsbBlockingStatus struct {
	State  BlockingState
	Reason string
}

func (s UsbBlockingStatus) IsEnabled() bool { return s.State == BlockingEnabled }

func (s UsbBlockingStatus) String() string {
	switch s.State {
	case BlockingEnabled:
		return "Enabled"
	case BlockingError:
		return "Error: " + s.Reason
	}
	return "Disabled"
}
