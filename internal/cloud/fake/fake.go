// Package fake is an in-memory cloud.Service used by tests and by the daemon
// in development mode. Instances move through the same statuses a real
// provider reports; transitions complete on Advance or, when a boot delay is
// configured, on their own.
package fake

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
)

// Operation names used for call recording and failure injection.
const (
	OpListRegions       = "ListRegions"
	OpListZones         = "ListZones"
	OpListImages        = "ListImages"
	OpListInstances     = "ListInstances"
	OpListInstanceTypes = "ListInstanceTypes"
	OpCreateInstances   = "CreateInstances"
	OpStartInstances    = "StartInstances"
	OpStopInstances     = "StopInstances"
	OpTerminate         = "TerminateInstances"
	OpResetPassword     = "ResetPassword"
	OpQueryPrice        = "QueryPrice"
	OpValidate          = "ValidateCredentials"
	OpCreateImage       = "CreateImage"
	OpRunCommand        = "RunCommand"
	OpListInvocations   = "ListInvocations"
)

// Call is one recorded invocation.
type Call struct {
	Op      string
	Region  string
	IDs     []string
	Spec    cloud.CreateSpec
	Force   bool
	Image   cloud.ImageSpec
	Command cloud.CommandSpec
}

// CommandFunc produces the output and exit code of a command on one
// instance.
type CommandFunc func(instanceID, content string) (output string, exitCode int)

// Hook decides whether a call fails. Returning nil lets it proceed.
type Hook func(c Call) error

type Cloud struct {
	mu        sync.Mutex
	regions   []model.Region
	zones     map[string][]model.Zone
	images    map[string][]model.Image
	types     []cloud.InstanceType
	instances map[string]*cloud.Instance
	passwords map[string]string
	nextID    int
	nextIP    int

	invocations []cloud.Invocation
	commands    map[string]string
	runCommand  CommandFunc

	failNext map[string][]error
	hooks    map[string]Hook
	calls    []Call

	bootDelay      time.Duration
	resetStopDelay time.Duration
}

type Option func(*Cloud)

// WithBootDelay makes pending and transitional instances settle on their own
// after d.
func WithBootDelay(d time.Duration) Option {
	return func(c *Cloud) { c.bootDelay = d }
}

// WithResetStopDelay makes a forced password reset return while running
// instances still report RUNNING; they stop d later, as real providers do.
func WithResetStopDelay(d time.Duration) Option {
	return func(c *Cloud) { c.resetStopDelay = d }
}

func New(opts ...Option) *Cloud {
	c := &Cloud{
		zones:     make(map[string][]model.Zone),
		images:    make(map[string][]model.Image),
		instances: make(map[string]*cloud.Instance),
		passwords: make(map[string]string),
		failNext:  make(map[string][]error),
		hooks:     make(map[string]Hook),
		commands:  make(map[string]string),
	}
	c.runCommand = func(string, string) (string, int) { return "", 0 }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewSeeded returns a cloud with three regions, two zones each, two public
// images per region and a small instance type catalogue.
func NewSeeded(opts ...Option) *Cloud {
	c := New(opts...)
	for _, r := range []struct{ code, name string }{
		{"ap-beijing", "Beijing"},
		{"ap-guangzhou", "Guangzhou"},
		{"ap-shanghai", "Shanghai"},
	} {
		c.AddRegion(model.Region{Code: r.code, Name: r.name, State: model.RegionAvailable})
		for i := 1; i <= 2; i++ {
			code := fmt.Sprintf("%s-%d", r.code, i)
			c.AddZone(model.Zone{Code: code, Region: r.code, Name: fmt.Sprintf("%s Zone %d", r.name, i), State: model.RegionAvailable})
		}
		c.AddImage(model.Image{ID: "img-ubuntu", Region: r.code, Name: "Ubuntu Server 22.04", Type: model.ImagePublic, Platform: "Ubuntu"})
		c.AddImage(model.Image{ID: "img-debian", Region: r.code, Name: "Debian 12", Type: model.ImagePublic, Platform: "Debian"})
	}
	c.types = []cloud.InstanceType{
		{Name: "S5.SMALL2", CPU: 1, Memory: 2},
		{Name: "S5.MEDIUM4", CPU: 2, Memory: 4},
		{Name: "S5.LARGE8", CPU: 4, Memory: 8},
		{Name: "S5.2XLARGE16", CPU: 8, Memory: 16},
	}
	return c
}

func (c *Cloud) AddRegion(r model.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions = append(c.regions, r)
}

func (c *Cloud) AddZone(z model.Zone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zones[z.Region] = append(c.zones[z.Region], z)
}

func (c *Cloud) AddImage(img model.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[img.Region] = append(c.images[img.Region], img)
}

// AddInstance inserts an instance as the remote would report it.
func (c *Cloud) AddInstance(inst cloud.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := inst
	c.instances[inst.ID] = &cp
}

// Update mutates a remote instance in place, for simulating out-of-band
// changes.
func (c *Cloud) Update(id string, fn func(inst *cloud.Instance)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[id]; ok {
		fn(inst)
	}
}

// Remove deletes an instance as if it had been destroyed out of band.
func (c *Cloud) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, id)
}

// Instance returns a copy of the remote instance.
func (c *Cloud) Instance(id string) (cloud.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return cloud.Instance{}, false
	}
	return *inst, true
}

// SetCommandFunc replaces how commands are answered. By default every
// command succeeds with no output.
func (c *Cloud) SetCommandFunc(fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCommand = fn
}

// Password returns the last password set on an instance.
func (c *Cloud) Password(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passwords[id]
}

// FailNext makes the next call of op return err.
func (c *Cloud) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = append(c.failNext[op], err)
}

// SetHook installs a persistent failure hook for op. A nil hook removes it.
func (c *Cloud) SetHook(op string, h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.hooks, op)
		return
	}
	c.hooks[op] = h
}

// Calls returns the recorded calls, optionally filtered by op.
func (c *Cloud) Calls(op string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if op == "" || call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Advance completes every in-flight transition: pending and starting
// instances become RUNNING with an address, stopping ones become STOPPED and
// shut down ones disappear. Running command invocations finish.
func (c *Cloud) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked()
}

func (c *Cloud) advanceLocked() {
	for id, inst := range c.instances {
		switch inst.Status {
		case model.StatusPending, model.StatusStarting, model.StatusRebooting:
			inst.Status = model.StatusRunning
			if len(inst.PrivateIPs) == 0 {
				c.nextIP++
				inst.PrivateIPs = []string{fmt.Sprintf("10.0.%d.%d", c.nextIP/250, c.nextIP%250+2)}
			}
		case model.StatusStopping:
			inst.Status = model.StatusStopped
		case model.StatusShutdown, model.StatusTerminating:
			delete(c.instances, id)
		}
	}
	now := time.Now().UTC()
	for i := range c.invocations {
		inv := &c.invocations[i]
		if inv.Settled() {
			continue
		}
		inv.Output, inv.ExitCode = c.runCommand(inv.InstanceID, c.commands[inv.InvocationID])
		inv.Status = cloud.InvocationSuccess
		if inv.ExitCode != 0 {
			inv.Status = cloud.InvocationFailed
		}
		inv.EndTime = &now
	}
}

func (c *Cloud) scheduleAdvance() {
	if c.bootDelay <= 0 {
		return
	}
	time.AfterFunc(c.bootDelay, c.Advance)
}

// begin records the call and returns an injected failure, if any.
func (c *Cloud) begin(call Call) error {
	c.calls = append(c.calls, call)
	if q := c.failNext[call.Op]; len(q) > 0 {
		c.failNext[call.Op] = q[1:]
		return q[0]
	}
	if h, ok := c.hooks[call.Op]; ok {
		return h(call)
	}
	return nil
}

func (c *Cloud) ListRegions(ctx context.Context) ([]model.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpListRegions}); err != nil {
		return nil, err
	}
	return slices.Clone(c.regions), nil
}

func (c *Cloud) ListZones(ctx context.Context, region string) ([]model.Zone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpListZones, Region: region}); err != nil {
		return nil, err
	}
	return slices.Clone(c.zones[region]), nil
}

func (c *Cloud) ListImages(ctx context.Context, q cloud.ImageQuery) ([]model.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpListImages, Region: q.Region}); err != nil {
		return nil, err
	}
	var out []model.Image
	for _, img := range c.images[q.Region] {
		if q.Type != "" && img.Type != q.Type {
			continue
		}
		out = append(out, img)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (c *Cloud) ListInstances(ctx context.Context, q cloud.InstanceQuery) (cloud.InstancePage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpListInstances, Region: q.Region, IDs: slices.Clone(q.IDs)}); err != nil {
		return cloud.InstancePage{}, err
	}
	if len(q.IDs) > cloud.MaxPageSize {
		return cloud.InstancePage{}, &cloud.Error{Op: OpListInstances, Kind: cloud.KindInvalid,
			Message: fmt.Sprintf("at most %d ids per call, got %d", cloud.MaxPageSize, len(q.IDs))}
	}

	if len(q.IDs) > 0 {
		var out []cloud.Instance
		for _, id := range q.IDs {
			if inst, ok := c.instances[id]; ok {
				out = append(out, copyInstance(inst))
			}
		}
		return cloud.InstancePage{Instances: out}, nil
	}

	limit := q.Limit
	if limit <= 0 || limit > cloud.MaxPageSize {
		limit = cloud.MaxPageSize
	}
	offset := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil {
			return cloud.InstancePage{}, &cloud.Error{Op: OpListInstances, Kind: cloud.KindInvalid, Message: "bad cursor"}
		}
		offset = n
	}

	var ids []string
	for id, inst := range c.instances {
		if q.Region == "" || inst.Region == q.Region {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	page := cloud.InstancePage{}
	end := min(offset+limit, len(ids))
	for _, id := range ids[min(offset, len(ids)):end] {
		page.Instances = append(page.Instances, copyInstance(c.instances[id]))
	}
	if end < len(ids) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (c *Cloud) ListInstanceTypes(ctx context.Context, region, zone string) ([]cloud.InstanceType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpListInstanceTypes, Region: region}); err != nil {
		return nil, err
	}
	out := make([]cloud.InstanceType, len(c.types))
	for i, t := range c.types {
		t.Zone = zone
		out[i] = t
	}
	return out, nil
}

func (c *Cloud) CreateInstances(ctx context.Context, spec cloud.CreateSpec) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpCreateInstances, Region: spec.Region, Spec: spec}); err != nil {
		return nil, err
	}
	if !c.zoneExists(spec.Region, spec.Zone) {
		return nil, &cloud.Error{Op: OpCreateInstances, Kind: cloud.KindInvalid,
			Message: fmt.Sprintf("zone %q is not in region %q", spec.Zone, spec.Region)}
	}

	count := max(spec.Count, 1)
	now := time.Now().UTC()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		c.nextID++
		id := fmt.Sprintf("ins-%08d", c.nextID)
		name := spec.Name
		if count > 1 {
			name = fmt.Sprintf("%s-%d", spec.Name, i+1)
		}
		c.instances[id] = &cloud.Instance{
			ID:           id,
			Name:         name,
			Status:       model.StatusPending,
			Region:       spec.Region,
			Zone:         spec.Zone,
			InstanceType: spec.InstanceType,
			ImageID:      spec.ImageID,
			CPU:          spec.CPU,
			Memory:       spec.Memory,
			PrivateIPs:   []string{},
			PublicIPs:    []string{},
			CreatedTime:  &now,
		}
		c.passwords[id] = spec.Password
		ids = append(ids, id)
	}
	c.scheduleAdvance()
	return ids, nil
}

func (c *Cloud) StartInstances(ctx context.Context, region string, ids []string) error {
	return c.transition(Call{Op: OpStartInstances, Region: region, IDs: slices.Clone(ids)}, model.StatusStarting)
}

func (c *Cloud) StopInstances(ctx context.Context, region string, ids []string, force bool) error {
	return c.transition(Call{Op: OpStopInstances, Region: region, IDs: slices.Clone(ids), Force: force}, model.StatusStopping)
}

func (c *Cloud) TerminateInstances(ctx context.Context, region string, ids []string) error {
	return c.transition(Call{Op: OpTerminate, Region: region, IDs: slices.Clone(ids)}, model.StatusShutdown)
}

func (c *Cloud) transition(call Call, to model.InstanceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(call); err != nil {
		return err
	}
	for _, id := range call.IDs {
		if _, ok := c.instances[id]; !ok {
			return &cloud.Error{Op: call.Op, Kind: cloud.KindNotFound, Code: "InvalidInstanceId.NotFound",
				Message: fmt.Sprintf("instance %s not found", id)}
		}
	}
	for _, id := range call.IDs {
		c.instances[id].Status = to
	}
	c.scheduleAdvance()
	return nil
}

func (c *Cloud) ResetPassword(ctx context.Context, region string, ids []string, password string, forceStop bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpResetPassword, Region: region, IDs: slices.Clone(ids), Force: forceStop}); err != nil {
		return err
	}
	for _, id := range ids {
		inst, ok := c.instances[id]
		if !ok {
			return &cloud.Error{Op: OpResetPassword, Kind: cloud.KindNotFound, Message: fmt.Sprintf("instance %s not found", id)}
		}
		if inst.Status == model.StatusRunning && !forceStop {
			return &cloud.Error{Op: OpResetPassword, Kind: cloud.KindInvalid, Code: "InvalidInstanceState",
				Message: fmt.Sprintf("instance %s is running", id)}
		}
	}
	var stopping []string
	for _, id := range ids {
		if c.instances[id].Status == model.StatusRunning {
			stopping = append(stopping, id)
		}
		c.passwords[id] = password
	}
	if c.resetStopDelay <= 0 {
		c.stopLocked(stopping)
		return nil
	}
	time.AfterFunc(c.resetStopDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopLocked(stopping)
	})
	return nil
}

func (c *Cloud) stopLocked(ids []string) {
	for _, id := range ids {
		if inst, ok := c.instances[id]; ok && inst.Status == model.StatusRunning {
			inst.Status = model.StatusStopped
		}
	}
}

func (c *Cloud) QueryPrice(ctx context.Context, spec cloud.CreateSpec) (cloud.Price, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpQueryPrice, Region: spec.Region, Spec: spec}); err != nil {
		return cloud.Price{}, err
	}
	return cloud.Price{
		Currency:       "USD",
		InstancePerHr:  float64(spec.CPU)*0.02 + float64(spec.Memory)*0.005,
		BandwidthPerGB: 0.08,
		DiskPerMonth:   float64(spec.DiskSize) * 0.05,
	}, nil
}

func (c *Cloud) ValidateCredentials(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begin(Call{Op: OpValidate})
}

// CreateImage adds a private image named after spec to the instance's
// region.
func (c *Cloud) CreateImage(ctx context.Context, spec cloud.ImageSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpCreateImage, Region: spec.Region, IDs: []string{spec.InstanceID}, Image: spec}); err != nil {
		return "", err
	}
	inst, ok := c.instances[spec.InstanceID]
	if !ok {
		return "", &cloud.Error{Op: OpCreateImage, Kind: cloud.KindNotFound, Code: "InvalidInstanceId.NotFound",
			Message: fmt.Sprintf("instance %s not found", spec.InstanceID)}
	}
	for _, img := range c.images[inst.Region] {
		if img.Type == model.ImagePrivate && img.Name == spec.Name {
			return "", &cloud.Error{Op: OpCreateImage, Kind: cloud.KindInvalid, Code: "InvalidImageName.Duplicate",
				Message: fmt.Sprintf("image name %s is already in use", spec.Name)}
		}
	}

	c.nextID++
	id := fmt.Sprintf("img-%08d", c.nextID)
	now := time.Now().UTC()
	c.images[inst.Region] = append(c.images[inst.Region], model.Image{
		ID:          id,
		Region:      inst.Region,
		Name:        spec.Name,
		Type:        model.ImagePrivate,
		Platform:    inst.Platform,
		CreatedTime: &now,
	})
	return id, nil
}

// RunCommand records one RUNNING invocation task per instance. Tasks finish
// on Advance, or on their own with a boot delay.
func (c *Cloud) RunCommand(ctx context.Context, spec cloud.CommandSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpRunCommand, Region: spec.Region, IDs: slices.Clone(spec.InstanceIDs), Command: spec}); err != nil {
		return "", err
	}
	for _, id := range spec.InstanceIDs {
		inst, ok := c.instances[id]
		if !ok {
			return "", &cloud.Error{Op: OpRunCommand, Kind: cloud.KindNotFound, Code: "InvalidInstanceId.NotFound",
				Message: fmt.Sprintf("instance %s not found", id)}
		}
		if inst.Status != model.StatusRunning {
			return "", &cloud.Error{Op: OpRunCommand, Kind: cloud.KindInvalid, Code: "InstanceStateNotRunning",
				Message: fmt.Sprintf("instance %s is %s", id, inst.Status)}
		}
	}

	c.nextID++
	invocationID := fmt.Sprintf("inv-%08d", c.nextID)
	c.commands[invocationID] = spec.Content
	now := time.Now().UTC()
	for _, id := range spec.InstanceIDs {
		c.invocations = append(c.invocations, cloud.Invocation{
			InvocationID: invocationID,
			InstanceID:   id,
			Status:       cloud.InvocationRunning,
			StartTime:    &now,
		})
	}
	c.scheduleAdvance()
	return invocationID, nil
}

func (c *Cloud) ListInvocations(ctx context.Context, q cloud.InvocationQuery) ([]cloud.Invocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(Call{Op: OpListInvocations, Region: q.Region}); err != nil {
		return nil, err
	}
	var out []cloud.Invocation
	for _, inv := range c.invocations {
		if q.InvocationID != "" && inv.InvocationID != q.InvocationID {
			continue
		}
		if q.InstanceID != "" && inv.InstanceID != q.InstanceID {
			continue
		}
		out = append(out, inv)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (c *Cloud) zoneExists(region, zone string) bool {
	for _, z := range c.zones[region] {
		if z.Code == zone {
			return true
		}
	}
	return false
}

func copyInstance(inst *cloud.Instance) cloud.Instance {
	cp := *inst
	cp.PrivateIPs = slices.Clone(inst.PrivateIPs)
	cp.PublicIPs = slices.Clone(inst.PublicIPs)
	return cp
}

// Factory returns a cloud.Factory handing out c for any credentials. When
// requireCreds is set, incomplete credentials fail with an auth error.
func Factory(c *Cloud, requireCreds bool) cloud.Factory {
	return func(ctx context.Context, creds model.Credentials) (cloud.Service, error) {
		if requireCreds && !creds.Complete() {
			return nil, &cloud.Error{Op: "NewClient", Kind: cloud.KindAuth, Message: "missing credentials"}
		}
		return c, nil
	}
}
