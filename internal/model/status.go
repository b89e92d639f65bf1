package model

// InstanceStatus is the lifecycle status of a cached instance.
type InstanceStatus string

// Instance status constants. STARTING, STOPPING and the deleted sentinel are
// also asserted locally before the remote call that causes them returns.
const (
	StatusPending      InstanceStatus = "PENDING"
	StatusLaunchFailed InstanceStatus = "LAUNCH_FAILED"
	StatusRunning      InstanceStatus = "RUNNING"
	StatusStopped      InstanceStatus = "STOPPED"
	StatusStarting     InstanceStatus = "STARTING"
	StatusStopping     InstanceStatus = "STOPPING"
	StatusRebooting    InstanceStatus = "REBOOTING"
	StatusShutdown     InstanceStatus = "SHUTDOWN"
	StatusTerminating  InstanceStatus = "TERMINATING"
	StatusUnknown      InstanceStatus = "UNKNOWN"

	// StatusDeleted marks a soft-deleted row. The value matches what older
	// cache files and the preload helper write.
	StatusDeleted InstanceStatus = "-1"
)

// IsTransient reports whether the status is a short-lived state that is
// expected to settle without further user action.
func (s InstanceStatus) IsTransient() bool {
	switch s {
	case StatusPending, StatusStarting, StatusStopping, StatusRebooting, StatusTerminating:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is expected.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusLaunchFailed, StatusShutdown, StatusDeleted:
		return true
	}
	return false
}

func (s InstanceStatus) String() string {
	if s == StatusDeleted {
		return "DELETED"
	}
	return string(s)
}
