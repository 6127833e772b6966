// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The l4genctl command drives a running l4gen through its admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	"l4gen.dev/adminweb"
	"l4gen.dev/core"
	"l4gen.dev/engine"
	"l4gen.dev/testcase"
)

var rootArgs struct {
	server  string
	cbor    bool
	timeout time.Duration
}

var statsArgs struct {
	watch time.Duration
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Fatal(err)
	}
}

func newClient() *client {
	return &client{
		base:    strings.TrimSuffix(rootArgs.server, "/"),
		cbor:    rootArgs.cbor,
		timeout: rootArgs.timeout,
	}
}

func run(args []string, out io.Writer) error {
	rootfs := flag.NewFlagSet("l4genctl", flag.ExitOnError)
	rootfs.StringVar(&rootArgs.server, "server", "http://127.0.0.1:8017", "l4gen admin API base URL")
	rootfs.BoolVar(&rootArgs.cbor, "cbor", false, "ask the server for CBOR responses")
	rootfs.DurationVar(&rootArgs.timeout, "timeout", time.Minute, "timeout for each request")

	keyCmd := func(name, help string, exec func(ctx context.Context, c *client, k engine.Key) error) *ffcli.Command {
		return &ffcli.Command{
			Name:       name,
			ShortUsage: "l4genctl " + name + " <port>/<tcid>",
			ShortHelp:  help,
			Exec: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return errors.New("expected one <port>/<tcid> argument")
				}
				k, err := parseKey(args[0])
				if err != nil {
					return err
				}
				return exec(ctx, newClient(), k)
			},
		}
	}

	statsfs := flag.NewFlagSet("stats", flag.ExitOnError)
	statsfs.DurationVar(&statsArgs.watch, "watch", 0, "if non-zero, poll at this interval and print running totals")
	statsCmd := keyCmd("stats", "Print the counters of a test case since the last pull", func(ctx context.Context, c *client, k engine.Key) error {
		return runStats(ctx, c, k, out)
	})
	statsCmd.FlagSet = statsfs

	root := &ffcli.Command{
		Name:       "l4genctl",
		ShortUsage: "l4genctl [flags] <subcommand> [command flags]",
		ShortHelp:  "Control a running l4gen.",
		FlagSet:    rootfs,
		Subcommands: []*ffcli.Command{
			{
				Name:       "list",
				ShortUsage: "l4genctl list",
				ShortHelp:  "List configured test cases",
				Exec: func(ctx context.Context, args []string) error {
					var sts []engine.Status
					if err := newClient().do(ctx, "GET", "/v0/testcases", nil, &sts); err != nil {
						return err
					}
					for _, st := range sts {
						fmt.Fprintf(out, "%d/%d\t%s\t%s\t%s\t%v\t%v\n", st.Port, st.TCID, st.Role, st.Proto, st.State, st.Result, st.RunID)
					}
					return nil
				},
			},
			{
				Name:       "configure",
				ShortUsage: "l4genctl configure <test.hujson | ->",
				ShortHelp:  "Configure a test case from a HuJSON test description",
				Exec: func(ctx context.Context, args []string) error {
					if len(args) != 1 {
						return errors.New("expected one file argument")
					}
					body, err := readTest(args[0])
					if err != nil {
						return err
					}
					var st engine.Status
					if err := newClient().do(ctx, "POST", "/v0/testcases", body, &st); err != nil {
						return err
					}
					return printJSON(out, st)
				},
			},
			keyCmd("state", "Print the state and queue lengths of a test case", func(ctx context.Context, c *client, k engine.Key) error {
				var st engine.Status
				if err := c.do(ctx, "GET", keyPath(k, ""), nil, &st); err != nil {
					return err
				}
				return printJSON(out, st)
			}),
			keyCmd("start", "Start a test case", func(ctx context.Context, c *client, k engine.Key) error {
				var resp adminweb.StartResponse
				if err := c.do(ctx, "POST", keyPath(k, "/start"), nil, &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "started %v run %v\n", k, resp.RunID)
				return nil
			}),
			keyCmd("stop", "Stop a test case and wait for its sessions to close", func(ctx context.Context, c *client, k engine.Key) error {
				if err := c.do(ctx, "POST", keyPath(k, "/stop"), nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(out, "stopped %v\n", k)
				return nil
			}),
			keyCmd("delete", "Remove an idle test case", func(ctx context.Context, c *client, k engine.Key) error {
				return c.do(ctx, "DELETE", keyPath(k, ""), nil, nil)
			}),
			statsCmd,
			keyCmd("rates", "Print the per second rates of a test case", func(ctx context.Context, c *client, k engine.Key) error {
				var rs testcase.RateStats
				if err := c.do(ctx, "GET", keyPath(k, "/rates"), nil, &rs); err != nil {
					return err
				}
				return printJSON(out, rs)
			}),
			{
				Name:       "counters",
				ShortUsage: "l4genctl counters",
				ShortHelp:  "Print the transport counters of every worker",
				Exec: func(ctx context.Context, args []string) error {
					var cs []core.Counters
					if err := newClient().do(ctx, "GET", "/v0/counters", nil, &cs); err != nil {
						return err
					}
					return printJSON(out, cs)
				},
			},
			{
				Name:       "ports",
				ShortUsage: "l4genctl ports",
				ShortHelp:  "Print the ports and their counters",
				Exec: func(ctx context.Context, args []string) error {
					var ps []adminweb.PortInfo
					if err := newClient().do(ctx, "GET", "/v0/ports", nil, &ps); err != nil {
						return err
					}
					return printJSON(out, ps)
				},
			},
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(args); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return root.Run(ctx)
}

func runStats(ctx context.Context, c *client, k engine.Key, out io.Writer) error {
	var total testcase.Stats
	for {
		var s testcase.Stats
		if err := c.do(ctx, "GET", keyPath(k, "/stats"), nil, &s); err != nil {
			return err
		}
		if statsArgs.watch == 0 {
			return printJSON(out, s)
		}
		total.Add(&s)
		fmt.Fprintf(out, "%s clients up=%d est=%d down=%d fail=%d servers est=%d app req=%d resp=%d\n",
			time.Now().Format(time.TimeOnly),
			total.Clients.Up, total.Clients.Established, total.Clients.Down, total.Clients.Failed,
			total.Servers.Established, total.App.Requests, total.App.Responses)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statsArgs.watch):
		}
	}
}
