package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusConstants(t *testing.T) {
	assert.Equal(t, InstanceStatus("PENDING"), StatusPending)
	assert.Equal(t, InstanceStatus("RUNNING"), StatusRunning)
	assert.Equal(t, InstanceStatus("STOPPED"), StatusStopped)
	assert.Equal(t, InstanceStatus("STARTING"), StatusStarting)
	assert.Equal(t, InstanceStatus("STOPPING"), StatusStopping)
	assert.Equal(t, InstanceStatus("-1"), StatusDeleted)
}

func TestInstanceStatus_IsTransient(t *testing.T) {
	tests := []struct {
		status InstanceStatus
		want   bool
	}{
		{StatusPending, true},
		{StatusStarting, true},
		{StatusStopping, true},
		{StatusRebooting, true},
		{StatusTerminating, true},
		{StatusRunning, false},
		{StatusStopped, false},
		{StatusDeleted, false},
		{StatusUnknown, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTransient())
		})
	}
}

func TestInstanceStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusShutdown.IsTerminal())
	assert.True(t, StatusLaunchFailed.IsTerminal())
	assert.True(t, StatusDeleted.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestInstanceStatus_String(t *testing.T) {
	assert.Equal(t, "DELETED", StatusDeleted.String())
	assert.Equal(t, "RUNNING", StatusRunning.String())
}
