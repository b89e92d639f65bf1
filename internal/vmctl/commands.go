package vmctl

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"gopkg.in/yaml.v3"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/task"
)

// CLI runs one subcommand against the daemon and prints the outcome.
type CLI struct {
	Client *Client
	Out    io.Writer

	// Wait makes commands block until their task finishes, for at most
	// Timeout.
	Wait    bool
	Timeout time.Duration
}

type accepted struct {
	TaskID string `json:"task_id"`
	Task   string `json:"task"`
}

// List prints the cached instances. Non-empty filter values (status, region,
// search) are passed through as query parameters.
func (c *CLI) List(ctx context.Context, filter url.Values) error {
	path := "/api/v1/instances"
	if q := filter.Encode(); q != "" {
		path += "?" + q
	}
	resp, err := c.Client.Get(ctx, path)
	if err != nil {
		return err
	}
	return c.printInstances(resp)
}

func (c *CLI) Get(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("at least one instance id is required")
	}
	resp, err := c.Client.Get(ctx, "/api/v1/instances?ids="+url.QueryEscape(strings.Join(ids, ",")))
	if err != nil {
		return err
	}
	return c.printInstances(resp)
}

func (c *CLI) printInstances(resp *Response) error {
	var instances []model.Instance
	if err := resp.Items(&instances); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tREGION\tZONE\tTYPE\tADDRESS\tUPDATED")
	for _, i := range instances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i.ID, i.Name, i.Status, i.Region, i.Zone, i.InstanceType, orDash(i.Address()), humanize.Time(i.UpdatedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "%s %s\n", humanize.Comma(int64(len(instances))), english.PluralWord(len(instances), "instance", ""))
	return nil
}

func (c *CLI) Start(ctx context.Context, ids []string) error {
	return c.command(ctx, "/api/v1/instances/start", map[string]any{"ids": ids})
}

func (c *CLI) Stop(ctx context.Context, ids []string, force bool) error {
	return c.command(ctx, "/api/v1/instances/stop", map[string]any{"ids": ids, "force": force})
}

func (c *CLI) Terminate(ctx context.Context, ids []string) error {
	return c.command(ctx, "/api/v1/instances/terminate", map[string]any{"ids": ids})
}

func (c *CLI) ResetPassword(ctx context.Context, ids []string, password string) error {
	return c.command(ctx, "/api/v1/instances/reset-password", map[string]any{"ids": ids, "password": password})
}

// Create posts body as a create request. Zero fields are left out so the
// daemon fills them from the instance template.
func (c *CLI) Create(ctx context.Context, body map[string]any) error {
	return c.command(ctx, "/api/v1/instances", body)
}

func (c *CLI) Sync(ctx context.Context) error {
	return c.command(ctx, "/api/v1/sync", nil)
}

func (c *CLI) Preload(ctx context.Context) error {
	return c.command(ctx, "/api/v1/preload", nil)
}

func (c *CLI) Price(ctx context.Context, body map[string]any) error {
	resp, err := c.Client.Post(ctx, "/api/v1/price", body)
	if err != nil {
		return err
	}
	var p struct {
		Currency       string  `json:"currency"`
		InstancePerHr  float64 `json:"instance_per_hour"`
		BandwidthPerGB float64 `json:"bandwidth_per_gb"`
		DiskPerMonth   float64 `json:"disk_per_month"`
	}
	if err := resp.Decode(&p); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "instance:  %s %s/hour\n", humanize.FormatFloat("#,###.####", p.InstancePerHr), p.Currency)
	fmt.Fprintf(c.Out, "bandwidth: %s %s/GB\n", humanize.FormatFloat("#,###.####", p.BandwidthPerGB), p.Currency)
	fmt.Fprintf(c.Out, "disk:      %s %s/month\n", humanize.FormatFloat("#,###.##", p.DiskPerMonth), p.Currency)
	return nil
}

func (c *CLI) command(ctx context.Context, path string, body any) error {
	resp, err := c.Client.Post(ctx, path, body)
	if err != nil {
		return err
	}
	var a accepted
	if err := resp.Decode(&a); err != nil {
		return err
	}
	if !c.Wait {
		fmt.Fprintf(c.Out, "%s task %s started\n", a.Task, a.TaskID)
		return nil
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	info, err := c.Client.AwaitTask(ctx, a.TaskID)
	for _, w := range info.Warnings {
		fmt.Fprintf(c.Out, "warning: %s\n", w)
	}
	if err != nil {
		return err
	}
	c.printFinished(info)
	return nil
}

func (c *CLI) printFinished(info task.Info) {
	took := ""
	if info.FinishedAt != nil {
		took = " in " + info.FinishedAt.Sub(info.StartedAt).Round(time.Millisecond).String()
	}
	fmt.Fprintf(c.Out, "%s %s%s\n", info.Name, info.State, took)
	if m, ok := info.Result.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			fmt.Fprintln(c.Out, msg)
		}
		if ids, ok := m["ids"].([]any); ok && len(ids) > 0 {
			fmt.Fprintf(c.Out, "instances: %v\n", ids)
		}
		if id, ok := m["image_id"].(string); ok {
			fmt.Fprintf(c.Out, "image: %s\n", id)
		}
		if invs, ok := m["invocations"].([]any); ok {
			for _, v := range invs {
				if inv, ok := v.(map[string]any); ok {
					fmt.Fprintf(c.Out, "invocation: %v (%v) %v\n", inv["invocation_id"], inv["region"], inv["ids"])
				}
			}
		}
	}
}

// CreateImage snapshots an instance into a private image.
func (c *CLI) CreateImage(ctx context.Context, instanceID, name, description string) error {
	body := map[string]any{"instance_id": instanceID, "name": name}
	if description != "" {
		body["description"] = description
	}
	return c.command(ctx, "/api/v1/images", body)
}

// RunCommand posts body as a command request. With Wait set it prints the
// invocation ids, which Invocations takes to show the output.
func (c *CLI) RunCommand(ctx context.Context, body map[string]any) error {
	return c.command(ctx, "/api/v1/instances/command", body)
}

// Invocations prints per-instance command results, narrowed by the
// invocation_id, instance_id, region and limit query parameters.
func (c *CLI) Invocations(ctx context.Context, filter url.Values, showOutput bool) error {
	path := "/api/v1/invocations"
	if q := filter.Encode(); q != "" {
		path += "?" + q
	}
	resp, err := c.Client.Get(ctx, path)
	if err != nil {
		return err
	}
	var invs []cloud.Invocation
	if err := resp.Items(&invs); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INVOCATION\tINSTANCE\tSTATUS\tEXIT\tSTARTED")
	for _, inv := range invs {
		started := "-"
		if inv.StartTime != nil {
			started = humanize.Time(*inv.StartTime)
		}
		exit := "-"
		if inv.Settled() {
			exit = strconv.Itoa(inv.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inv.InvocationID, inv.InstanceID, inv.Status, exit, started)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if showOutput {
		for _, inv := range invs {
			if inv.Output == "" {
				continue
			}
			fmt.Fprintf(c.Out, "--- %s %s\n%s\n", inv.InvocationID, inv.InstanceID, strings.TrimRight(inv.Output, "\n"))
		}
	}
	return nil
}

// ValidateCredentials checks a key pair without saving it. Empty values
// check the stored credentials.
func (c *CLI) ValidateCredentials(ctx context.Context, secretID, secretKey, region string) error {
	body := map[string]any{}
	if secretID != "" || secretKey != "" {
		body["secret_id"] = secretID
		body["secret_key"] = secretKey
	}
	if region != "" {
		body["default_region"] = region
	}
	if _, err := c.Client.Post(ctx, "/api/v1/settings/validate", body); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "credentials valid")
	return nil
}

// Settings prints the stored settings, applying sets (key=value pairs) first
// when any are given.
func (c *CLI) Settings(ctx context.Context, sets []string) error {
	var (
		resp *Response
		err  error
	)
	if len(sets) == 0 {
		resp, err = c.Client.Get(ctx, "/api/v1/settings")
	} else {
		var patch map[string]any
		if patch, err = ParseSettings(sets); err != nil {
			return err
		}
		resp, err = c.Client.Patch(ctx, "/api/v1/settings", patch)
	}
	if err != nil {
		return err
	}

	var s model.Settings
	if err := resp.Decode(&s); err != nil {
		return err
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("render settings: %w", err)
	}
	_, err = c.Out.Write(out)
	return err
}

var intSettings = map[string]bool{"cpu": true, "memory": true, "disk_size": true, "bandwidth": true}

var knownSettings = map[string]bool{
	"secret_id": true, "secret_key": true, "default_region": true, "zone": true, "image_id": true,
	"password": true, "disk_type": true, "bandwidth_charge": true,
}

// ParseSettings turns key=value pairs into a settings patch body.
func ParseSettings(sets []string) (map[string]any, error) {
	patch := make(map[string]any, len(sets))
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("setting %q is not key=value", kv)
		}
		switch {
		case intSettings[k]:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("setting %s: %w", k, err)
			}
			patch[k] = n
		case knownSettings[k]:
			patch[k] = v
		default:
			return nil, fmt.Errorf("unknown setting %q", k)
		}
	}
	return patch, nil
}

func (c *CLI) Regions(ctx context.Context) error {
	resp, err := c.Client.Get(ctx, "/api/v1/regions")
	if err != nil {
		return err
	}
	var regions []model.Region
	if err := resp.Items(&regions); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tNAME\tSTATE")
	for _, r := range regions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Code, r.Name, r.State)
	}
	return tw.Flush()
}

func (c *CLI) Zones(ctx context.Context, region string) error {
	resp, err := c.Client.Get(ctx, "/api/v1/regions/"+url.PathEscape(region)+"/zones")
	if err != nil {
		return err
	}
	var zones []model.Zone
	if err := resp.Items(&zones); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tNAME\tSTATE")
	for _, z := range zones {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", z.Code, z.Name, z.State)
	}
	return tw.Flush()
}

func (c *CLI) Images(ctx context.Context, region, imageType string) error {
	path := "/api/v1/regions/" + url.PathEscape(region) + "/images"
	if imageType != "" {
		path += "?type=" + url.QueryEscape(imageType)
	}
	resp, err := c.Client.Get(ctx, path)
	if err != nil {
		return err
	}
	var images []model.Image
	if err := resp.Items(&images); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tNAME\tPLATFORM\tCREATED")
	for _, img := range images {
		created := "-"
		if img.CreatedTime != nil {
			created = humanize.Time(*img.CreatedTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", img.ID, img.Name, orDash(img.Platform), created)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
