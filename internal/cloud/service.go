// Package cloud defines the remote vendor service the cache reconciles
// against.
package cloud

import (
	"context"
	"time"

	"github.com/edvin/vmcache/internal/model"
)

// MaxPageSize is the largest number of records or ids a single remote call
// accepts.
const MaxPageSize = 100

// Service is a client for one account. Implementations are not required to
// be safe for concurrent use; callers that fan out create one per goroutine.
type Service interface {
	ListRegions(ctx context.Context) ([]model.Region, error)
	ListZones(ctx context.Context, region string) ([]model.Zone, error)
	ListImages(ctx context.Context, q ImageQuery) ([]model.Image, error)
	ListInstances(ctx context.Context, q InstanceQuery) (InstancePage, error)
	ListInstanceTypes(ctx context.Context, region, zone string) ([]InstanceType, error)
	CreateInstances(ctx context.Context, spec CreateSpec) ([]string, error)
	StartInstances(ctx context.Context, region string, ids []string) error
	StopInstances(ctx context.Context, region string, ids []string, force bool) error
	TerminateInstances(ctx context.Context, region string, ids []string) error
	ResetPassword(ctx context.Context, region string, ids []string, password string, forceStop bool) error
	QueryPrice(ctx context.Context, spec CreateSpec) (Price, error)

	// ValidateCredentials makes one cheap authenticated call and reports
	// whether the account answers.
	ValidateCredentials(ctx context.Context) error
	// CreateImage snapshots an instance into a private image and returns
	// the new image id. The image may still be building when it returns.
	CreateImage(ctx context.Context, spec ImageSpec) (string, error)
	// RunCommand hands a script to the agent on each instance and returns
	// the invocation id the per-instance results are filed under.
	RunCommand(ctx context.Context, spec CommandSpec) (string, error)
	ListInvocations(ctx context.Context, q InvocationQuery) ([]Invocation, error)
}

// Factory builds a Service for the given credentials.
type Factory func(ctx context.Context, creds model.Credentials) (Service, error)

type ImageQuery struct {
	Region string
	Type   string
	Limit  int
}

// InstanceQuery selects either the instances in IDs or, when IDs is empty,
// every instance in Region page by page. Ids the remote does not know are
// left out of the page; they never fail the call.
type InstanceQuery struct {
	Region string
	IDs    []string
	Cursor string
	Limit  int
}

type InstancePage struct {
	Instances  []Instance
	NextCursor string
}

// Instance is one remote observation. A nil or empty IP slice means the
// remote response did not report an address, which never clears a stored one.
type Instance struct {
	ID           string
	Name         string
	Status       model.InstanceStatus
	Region       string
	Zone         string
	InstanceType string
	ImageID      string
	ImageName    string
	Platform     string
	CPU          int
	Memory       int
	PrivateIPs   []string
	PublicIPs    []string
	CreatedTime  *time.Time
	ExpiredTime  *time.Time
}

type InstanceType struct {
	Name   string `json:"name"`
	Zone   string `json:"zone"`
	CPU    int    `json:"cpu"`
	Memory int    `json:"memory"`
}

type CreateSpec struct {
	Region          string
	Zone            string
	Name            string
	InstanceType    string
	ImageID         string
	CPU             int
	Memory          int
	Password        string
	DiskType        string
	DiskSize        int
	Bandwidth       int
	BandwidthCharge string
	Count           int
}

type Price struct {
	Currency       string  `json:"currency"`
	InstancePerHr  float64 `json:"instance_per_hour"`
	BandwidthPerGB float64 `json:"bandwidth_per_gb"`
	DiskPerMonth   float64 `json:"disk_per_month"`
}

type ImageSpec struct {
	Region      string
	InstanceID  string
	Name        string
	Description string
}

// Command script types.
const (
	CommandShell      = "SHELL"
	CommandPowerShell = "POWERSHELL"
)

// CommandSpec is a script to run on running instances. Empty optional
// fields take the agent's defaults.
type CommandSpec struct {
	Region           string
	InstanceIDs      []string
	Content          string
	Type             string
	WorkingDirectory string
	Timeout          time.Duration
	Username         string
	Name             string
	Description      string
}

// Invocation task statuses.
const (
	InvocationPending   = "PENDING"
	InvocationRunning   = "RUNNING"
	InvocationSuccess   = "SUCCESS"
	InvocationFailed    = "FAILED"
	InvocationTimeout   = "TIMEOUT"
	InvocationCancelled = "CANCELLED"
)

// InvocationQuery narrows the listing to one invocation, one instance, or
// both. Limit caps the number of tasks returned.
type InvocationQuery struct {
	Region       string
	InvocationID string
	InstanceID   string
	Limit        int
}

// Invocation is the result of one command on one instance.
type Invocation struct {
	InvocationID string     `json:"invocation_id"`
	InstanceID   string     `json:"instance_id"`
	Status       string     `json:"status"`
	ExitCode     int        `json:"exit_code"`
	Output       string     `json:"output,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}

// Settled reports whether the task has reached a final status.
func (i Invocation) Settled() bool {
	switch i.Status {
	case InvocationSuccess, InvocationFailed, InvocationTimeout, InvocationCancelled:
		return true
	}
	return false
}
