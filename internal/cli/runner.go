// Package cli implements the schedev command line: operator control of
// the simulator and the listener run loop.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/g960059/schedev/internal/config"
	"github.com/g960059/schedev/internal/db"
	"github.com/g960059/schedev/internal/imds"
	"github.com/g960059/schedev/internal/listener"
	"github.com/g960059/schedev/internal/log"
)

type Runner struct {
	client *http.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client: &http.Client{Timeout: 10 * time.Second},
		out:    out,
		errOut: errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "scenarios":
		return r.runControlGet(ctx, args[1:], "/v1/scenarios")
	case "state":
		return r.runControlGet(ctx, args[1:], "/v1/state")
	case "arm":
		return r.runArm(ctx, args[1:])
	case "trigger":
		return r.runTrigger(ctx, args[1:])
	case "play":
		return r.runControlPost(ctx, args[1:], "/v1/playback/start", nil)
	case "stop":
		return r.runControlPost(ctx, args[1:], "/v1/playback/stop", nil)
	case "resources":
		return r.runResources(ctx, args[1:])
	case "records":
		return r.runRecords(ctx, args[1:])
	case "listen":
		return r.runListen(ctx, args[1:])
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) printUsage() {
	fmt.Fprintln(r.errOut, `usage: schedev <command> [flags]

commands:
  scenarios   list available scenarios
  state       show armed scenario, playback status, and current document
  arm         arm a scenario: schedev arm -scenario NAME
  trigger     create an event at a status: schedev trigger -status STATUS
  play        start automatic scenario playback
  stop        stop playback and reset the document
  resources   set the resource list: schedev resources -set vm1,vm2
  records     list durable preempt records
  listen      run the poller/dispatcher loop`)
}

func controlFlags(fs *flag.FlagSet) *string {
	return fs.String("endpoint", "http://127.0.0.1:8080", "simulator base URL")
}

func (r *Runner) runControlGet(ctx context.Context, args []string, path string) int {
	fs := flag.NewFlagSet(path, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	endpoint := controlFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	return r.doMethod(ctx, http.MethodGet, *endpoint, path, nil)
}

func (r *Runner) runControlPost(ctx context.Context, args []string, path string, body any) int {
	fs := flag.NewFlagSet(path, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	endpoint := controlFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	return r.doMethod(ctx, http.MethodPost, *endpoint, path, body)
}

func (r *Runner) runArm(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("arm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	endpoint := controlFlags(fs)
	name := fs.String("scenario", "", "scenario name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *name == "" {
		fmt.Fprintln(r.errOut, "error: -scenario is required")
		return 2
	}
	return r.doMethod(ctx, http.MethodPost, *endpoint, "/v1/scenario/arm", map[string]string{"scenario": *name})
}

func (r *Runner) runTrigger(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	endpoint := controlFlags(fs)
	status := fs.String("status", "", "event status to create")
	resources := fs.String("resources", "", "comma-separated resource names")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *status == "" {
		fmt.Fprintln(r.errOut, "error: -status is required")
		return 2
	}
	body := map[string]any{"status": *status}
	if list := splitList(*resources); len(list) > 0 {
		body["resources"] = list
	}
	return r.doMethod(ctx, http.MethodPost, *endpoint, "/v1/events/trigger", body)
}

func (r *Runner) runResources(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resources", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	endpoint := controlFlags(fs)
	set := fs.String("set", "", "comma-separated resource names")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body := map[string]any{"resources": splitList(*set)}
	return r.doMethod(ctx, http.MethodPut, *endpoint, "/v1/resources", body)
}

func (r *Runner) runRecords(ctx context.Context, args []string) int {
	cfg := config.DefaultListener()
	if err := config.ParseEnv(&cfg); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "records database path")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	records, err := store.ListPreemptRecords(ctx)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r *Runner) runListen(ctx context.Context, args []string) int {
	cfg := config.DefaultListener()
	if err := config.ParseEnv(&cfg); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "metadata endpoint base URL")
	fs.StringVar(&cfg.IdentityBaseURL, "identity-url", cfg.IdentityBaseURL, "instance metadata base URL for identity lookup")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "records database path")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	fs.DurationVar(&cfg.DetectInterval, "detect-interval", cfg.DetectInterval, "inner poll interval")
	fs.DurationVar(&cfg.RestInterval, "rest-interval", cfg.RestInterval, "pause between processed documents")
	fs.DurationVar(&cfg.MaxRunDuration, "duration", cfg.MaxRunDuration, "total run duration")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "schedev-listener"})
	logger := log.Base()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}

	client := listener.NewClient(cfg.Endpoint, cfg.RequestTimeout)
	resolver := imds.NewResolver(cfg.IdentityBaseURL, cfg.IdentityTimeout)
	dispatcher := listener.NewDispatcher(client, store, resolver, logger)
	runner := listener.NewRunner(client, dispatcher, cfg, logger)
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r *Runner) doMethod(ctx context.Context, method, endpoint, path string, body any) int {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 1
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(endpoint, "/")+path, reqBody)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	pretty := &bytes.Buffer{}
	if err := json.Indent(pretty, payload, "", "  "); err != nil {
		pretty = bytes.NewBuffer(payload)
	}
	fmt.Fprintln(r.out, strings.TrimSpace(pretty.String()))
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
