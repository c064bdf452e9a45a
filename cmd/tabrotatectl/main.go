// Command tabrotatectl sends commands to a running tabrotate over its
// HTTP control API.
//
//	tabrotatectl state
//	tabrotatectl start https://a.example "news|https://b.example|30"
//	tabrotatectl pause | resume | stop
//	tabrotatectl behavior closeOthers
//	tabrotatectl raw '{"action":"getState"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tabrotate/internal/client"
	"tabrotate/internal/dispatch"
	logx "tabrotate/pkg/logx"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tabrotatectl", flag.ContinueOnError)
	addr := fs.String("addr", envOr("TABROTATE_ADDR", "127.0.0.1:7317"), "control API address")
	token := fs.String("token", os.Getenv("TABROTATE_TOKEN"), "bearer token")
	retries := fs.Uint("retries", client.DefaultRetries, "retries on transient failures")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall deadline")
	verbose := fs.Bool("v", false, "log retries to stderr")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: tabrotatectl [flags] state|pause|resume|stop|start tabs...|behavior mode|raw json")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cmd, err := buildCommand(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "tabrotatectl:", err)
		fs.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelT := context.WithTimeout(ctx, *timeout)
	defer cancelT()

	log := logx.Nop()
	if *verbose {
		log = logx.NewWriter(os.Stderr, "debug")
	}
	c := client.New(*addr, client.WithToken(*token), client.WithRetries(*retries), client.WithLogger(log))

	var resp dispatch.Response
	if cmd.Action == dispatch.ActionGetState {
		resp, err = c.State(ctx)
	} else {
		resp, err = c.Do(ctx, cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tabrotatectl:", err)
		return 1
	}
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	if !resp.Success {
		return 1
	}
	return 0
}

func buildCommand(args []string) (dispatch.Command, error) {
	if len(args) == 0 {
		return dispatch.Command{}, errors.New("missing command")
	}
	rest := args[1:]
	switch strings.ToLower(args[0]) {
	case "state", "status":
		return dispatch.Command{Action: dispatch.ActionGetState}, nil
	case "pause":
		return dispatch.Command{Action: dispatch.ActionPause}, nil
	case "resume":
		return dispatch.Command{Action: dispatch.ActionResume}, nil
	case "stop":
		return dispatch.StopCommand(), nil
	case "start":
		tabs := make([]dispatch.TabInput, 0, len(rest))
		for _, tok := range rest {
			t, err := parseTab(tok)
			if err != nil {
				return dispatch.Command{}, err
			}
			tabs = append(tabs, t)
		}
		return dispatch.StartCommand(tabs), nil
	case "behavior":
		if len(rest) != 1 {
			return dispatch.Command{}, errors.New("behavior takes one argument")
		}
		return dispatch.Command{Action: dispatch.ActionSetTabBehavior, Behavior: rest[0]}, nil
	case "raw":
		if len(rest) != 1 {
			return dispatch.Command{}, errors.New("raw takes one JSON argument")
		}
		var cmd dispatch.Command
		if err := json.Unmarshal([]byte(rest[0]), &cmd); err != nil {
			return dispatch.Command{}, fmt.Errorf("raw: %w", err)
		}
		return cmd, nil
	}
	return dispatch.Command{}, fmt.Errorf("unknown command %q", args[0])
}

// parseTab reads "url", "name|url" or "name|url|seconds".
func parseTab(tok string) (dispatch.TabInput, error) {
	parts := strings.Split(tok, "|")
	var t dispatch.TabInput
	switch len(parts) {
	case 1:
		t.URL = parts[0]
	case 2:
		t.Name, t.URL = parts[0], parts[1]
	case 3:
		t.Name, t.URL = parts[0], parts[1]
		secs, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil || secs <= 0 {
			return t, fmt.Errorf("tab %q: bad interval", tok)
		}
		t.Interval = int64(secs * 1000)
	default:
		return t, fmt.Errorf("bad tab %q", tok)
	}
	t.URL = strings.TrimSpace(t.URL)
	if t.URL == "" {
		return t, fmt.Errorf("tab %q has no url", tok)
	}
	return t, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
