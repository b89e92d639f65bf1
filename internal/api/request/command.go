package request

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/edvin/vmcache/internal/tracker"
)

type CreateImage struct {
	InstanceID  string `json:"instance_id" validate:"required,max=64"`
	Name        string `json:"name" validate:"required,max=60"`
	Description string `json:"description" validate:"omitempty,max=256"`
}

func (c CreateImage) ToTracker() tracker.ImageRequest {
	return tracker.ImageRequest{InstanceID: c.InstanceID, Name: c.Name, Description: c.Description}
}

// RunCommand carries the script as plain text. Timeout is in seconds.
type RunCommand struct {
	IDs              []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
	Command          string   `json:"command" validate:"required,max=65536"`
	CommandType      string   `json:"command_type" validate:"omitempty,oneof=SHELL POWERSHELL"`
	WorkingDirectory string   `json:"working_directory" validate:"omitempty,max=256"`
	Timeout          int      `json:"timeout" validate:"omitempty,min=1,max=86400"`
	Username         string   `json:"username" validate:"omitempty,max=64"`
	Name             string   `json:"name" validate:"omitempty,max=60"`
	Description      string   `json:"description" validate:"omitempty,max=120"`
}

func (c RunCommand) ToTracker() tracker.CommandRequest {
	return tracker.CommandRequest{
		IDs:              c.IDs,
		Content:          c.Command,
		Type:             c.CommandType,
		WorkingDirectory: c.WorkingDirectory,
		Timeout:          time.Duration(c.Timeout) * time.Second,
		Username:         c.Username,
		Name:             c.Name,
		Description:      c.Description,
	}
}

// ParseInvocationQuery reads the invocation_id, instance_id, region and
// limit query parameters.
func ParseInvocationQuery(r *http.Request) (tracker.InvocationQuery, error) {
	q := r.URL.Query()
	out := tracker.InvocationQuery{
		Region:       q.Get("region"),
		InvocationID: q.Get("invocation_id"),
		InstanceID:   q.Get("instance_id"),
	}
	if out.Region != "" {
		if err := validate.Var(out.Region, "region"); err != nil {
			return out, fmt.Errorf("invalid region %q", out.Region)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return out, fmt.Errorf("limit must be between 1 and 100, got %q", v)
		}
		out.Limit = n
	}
	return out, nil
}
