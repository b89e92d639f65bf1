package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/edvin/vmcache/internal/vmctl"
)

type commonFlags struct {
	api     *string
	wait    *bool
	timeout *time.Duration
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, commonFlags{
		api:     fs.String("api", envOr("VMCTL_API", "http://127.0.0.1:8090"), "vmcached base URL"),
		wait:    fs.Bool("wait", false, "Wait for the task to finish"),
		timeout: fs.Duration("timeout", 5*time.Minute, "Timeout for -wait"),
	}
}

func (f commonFlags) cli() *vmctl.CLI {
	return &vmctl.CLI{
		Client:  vmctl.NewClient(*f.api),
		Out:     os.Stdout,
		Wait:    *f.wait,
		Timeout: *f.timeout,
	}
}

type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	fs, common := newFlagSet(cmd)

	var run func(c *vmctl.CLI) error
	switch cmd {
	case "list":
		status := fs.String("status", "", "Only instances in this status")
		region := fs.String("region", "", "Only instances in this region")
		search := fs.String("search", "", "Substring of the name or id")
		fs.Parse(args)
		filter := url.Values{}
		for k, v := range map[string]string{"status": *status, "region": *region, "search": *search} {
			if v != "" {
				filter.Set(k, v)
			}
		}
		run = func(c *vmctl.CLI) error { return c.List(ctx, filter) }

	case "get":
		fs.Parse(args)
		run = func(c *vmctl.CLI) error { return c.Get(ctx, fs.Args()) }

	case "start", "terminate":
		fs.Parse(args)
		requireArgs(fs, "<id>...")
		run = func(c *vmctl.CLI) error {
			if cmd == "start" {
				return c.Start(ctx, fs.Args())
			}
			return c.Terminate(ctx, fs.Args())
		}

	case "stop":
		force := fs.Bool("force", false, "Force the shutdown")
		fs.Parse(args)
		requireArgs(fs, "[-force] <id>...")
		run = func(c *vmctl.CLI) error { return c.Stop(ctx, fs.Args(), *force) }

	case "reset-password":
		password := fs.String("password", "", "New password (required)")
		fs.Parse(args)
		requireArgs(fs, "-password <password> <id>...")
		if *password == "" {
			fmt.Fprintln(os.Stderr, "Error: -password flag is required")
			os.Exit(1)
		}
		run = func(c *vmctl.CLI) error { return c.ResetPassword(ctx, fs.Args(), *password) }

	case "create", "price":
		name := fs.String("name", "", "Instance name")
		region := fs.String("region", "", "Region (default: settings)")
		zone := fs.String("zone", "", "Zone (default: settings)")
		image := fs.String("image", "", "Image id (default: settings)")
		instanceType := fs.String("type", "", "Instance type (default: smallest matching cpu/memory)")
		cpu := fs.Int("cpu", 0, "CPU cores")
		memory := fs.Int("memory", 0, "Memory in GB")
		diskType := fs.String("disk-type", "", "System disk type")
		diskSize := fs.Int("disk-size", 0, "System disk size in GB")
		bandwidth := fs.Int("bandwidth", 0, "Public bandwidth in Mbps")
		password := fs.String("password", "", "Login password")
		count := fs.Int("count", 0, "Number of instances")
		fs.Parse(args)

		body := map[string]any{}
		setStr(body, "name", *name)
		setStr(body, "region", *region)
		setStr(body, "zone", *zone)
		setStr(body, "image_id", *image)
		setStr(body, "instance_type", *instanceType)
		setInt(body, "cpu", *cpu)
		setInt(body, "memory", *memory)
		setStr(body, "disk_type", *diskType)
		setInt(body, "disk_size", *diskSize)
		setInt(body, "bandwidth", *bandwidth)
		setStr(body, "password", *password)
		setInt(body, "count", *count)
		run = func(c *vmctl.CLI) error {
			if cmd == "price" {
				return c.Price(ctx, body)
			}
			return c.Create(ctx, body)
		}

	case "sync":
		fs.Parse(args)
		run = func(c *vmctl.CLI) error { return c.Sync(ctx) }

	case "preload":
		fs.Parse(args)
		run = func(c *vmctl.CLI) error { return c.Preload(ctx) }

	case "settings":
		var sets multiFlag
		fs.Var(&sets, "set", "key=value to change (repeatable)")
		fs.Parse(args)
		run = func(c *vmctl.CLI) error { return c.Settings(ctx, sets) }

	case "regions":
		fs.Parse(args)
		run = func(c *vmctl.CLI) error { return c.Regions(ctx) }

	case "zones":
		fs.Parse(args)
		requireArgs(fs, "<region>")
		run = func(c *vmctl.CLI) error { return c.Zones(ctx, fs.Arg(0)) }

	case "images":
		imageType := fs.String("image-type", "", "PUBLIC_IMAGE, PRIVATE_IMAGE, SHARED_IMAGE or MARKET_IMAGE")
		fs.Parse(args)
		requireArgs(fs, "<region>")
		run = func(c *vmctl.CLI) error { return c.Images(ctx, fs.Arg(0), *imageType) }

	case "create-image":
		name := fs.String("name", "", "Image name (required)")
		description := fs.String("description", "", "Image description")
		fs.Parse(args)
		requireArgs(fs, "-name <name> <id>")
		if *name == "" {
			fmt.Fprintln(os.Stderr, "Error: -name flag is required")
			os.Exit(1)
		}
		run = func(c *vmctl.CLI) error { return c.CreateImage(ctx, fs.Arg(0), *name, *description) }

	case "run":
		script := fs.String("command", "", "Script to run (required, or - for stdin)")
		commandType := fs.String("type", "", "SHELL or POWERSHELL (default: SHELL)")
		workdir := fs.String("workdir", "", "Working directory")
		cmdTimeout := fs.Int("exec-timeout", 0, "Execution timeout in seconds")
		name := fs.String("name", "", "Command name")
		fs.Parse(args)
		requireArgs(fs, "-command <script> <id>...")
		content := *script
		if content == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: read stdin: %v\n", err)
				os.Exit(1)
			}
			content = string(data)
		}
		if content == "" {
			fmt.Fprintln(os.Stderr, "Error: -command flag is required")
			os.Exit(1)
		}
		body := map[string]any{"ids": fs.Args(), "command": content}
		setStr(body, "command_type", *commandType)
		setStr(body, "working_directory", *workdir)
		setInt(body, "timeout", *cmdTimeout)
		setStr(body, "name", *name)
		run = func(c *vmctl.CLI) error { return c.RunCommand(ctx, body) }

	case "invocations":
		invocation := fs.String("invocation", "", "Only this invocation id")
		instance := fs.String("instance", "", "Only this instance id")
		region := fs.String("region", "", "Region (default: the instance's, then settings)")
		limit := fs.Int("limit", 0, "Maximum results (default 20)")
		output := fs.Bool("output", false, "Print command output")
		fs.Parse(args)
		filter := url.Values{}
		for k, v := range map[string]string{"invocation_id": *invocation, "instance_id": *instance, "region": *region} {
			if v != "" {
				filter.Set(k, v)
			}
		}
		if *limit > 0 {
			filter.Set("limit", strconv.Itoa(*limit))
		}
		run = func(c *vmctl.CLI) error { return c.Invocations(ctx, filter, *output) }

	case "validate-credentials":
		secretID := fs.String("secret-id", "", "Key id (default: stored)")
		secretKey := fs.String("secret-key", envOr("VMCTL_SECRET_KEY", ""), "Secret key (env VMCTL_SECRET_KEY)")
		region := fs.String("region", "", "Region to check against")
		fs.Parse(args)
		run = func(c *vmctl.CLI) error { return c.ValidateCredentials(ctx, *secretID, *secretKey, *region) }

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err := run(common.cli()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(fs *flag.FlagSet, usage string) {
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: vmctl %s [flags] %s\n", fs.Name(), usage)
		os.Exit(1)
	}
}

func setStr(body map[string]any, key, v string) {
	if v != "" {
		body[key] = v
	}
}

func setInt(body map[string]any, key string, v int) {
	if v != 0 {
		body[key] = v
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  vmctl list [-status S] [-region R] [-search Q]
  vmctl get <id>...
  vmctl start|stop|terminate [-wait] <id>...
  vmctl reset-password -password <password> [-wait] <id>...
  vmctl create [-name N] [-cpu N] [-memory N] [-region R] [-zone Z] [-image ID] [-count N] [-disk-type T] [-wait]
  vmctl price [-cpu N] [-memory N] [-zone Z] [-image ID] [-disk-size N] [-bandwidth N]
  vmctl sync [-wait]
  vmctl preload [-wait]
  vmctl settings [-set key=value]...
  vmctl regions
  vmctl zones <region>
  vmctl images [-image-type T] <region>
  vmctl create-image -name N [-description D] [-wait] <id>
  vmctl run -command <script|-> [-type SHELL|POWERSHELL] [-workdir D] [-exec-timeout S] [-wait] <id>...
  vmctl invocations [-invocation ID] [-instance ID] [-region R] [-limit N] [-output]
  vmctl validate-credentials [-secret-id ID -secret-key KEY] [-region R]

Flags:
  -api string        vmcached base URL (default: http://127.0.0.1:8090, env VMCTL_API)
  -wait              Poll the task until it finishes
  -timeout duration  Timeout for -wait (default: 5m)`)
}
