package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ruteri/tee-enclave-boundary/boundary"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/urfave/cli/v2"
)

var execCommand = &cli.Command{
	Name:  "exec",
	Usage: "Run a script in the enclave sandbox",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "script", Required: true, Usage: "script file"},
		&cli.StringFlag{Name: "args", Usage: "JSON arguments"},
		&cli.Int64Flag{Name: "timeout-ms", Usage: "execution time limit"},
		&cli.Uint64Flag{Name: "memory", Usage: "memory limit in bytes"},
		&cli.StringSliceFlag{Name: "capability", Usage: "granted capability (crypto, random, fs); repeatable"},
		&cli.StringFlag{Name: "sign-with", Usage: "key id to sign the result with"},
		&cli.StringFlag{Name: "schema", Usage: "JSON schema file the output must satisfy"},
	},
	Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
		script, err := os.ReadFile(cCtx.String("script"))
		if err != nil {
			return nil, err
		}
		req := &interfaces.ComputationRequest{
			Script: string(script),
			Limits: interfaces.ComputationLimits{
				MaxExecutionTimeMs: cCtx.Int64("timeout-ms"),
				MaxMemoryBytes:     cCtx.Uint64("memory"),
			},
			SigningKeyID: cCtx.String("sign-with"),
		}
		if args := cCtx.String("args"); args != "" {
			if !json.Valid([]byte(args)) {
				return nil, fmt.Errorf("--args is not valid JSON")
			}
			req.Args = json.RawMessage(args)
		}
		for _, name := range cCtx.StringSlice("capability") {
			capability, err := interfaces.ParseCapability(name)
			if err != nil {
				return nil, err
			}
			req.Capabilities = append(req.Capabilities, capability)
		}
		if path := cCtx.String("schema"); path != "" {
			schema, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			req.OutputSchema = schema
		}
		return c.ExecuteComputation(ctx, req)
	}),
}

var jobsCommand = &cli.Command{
	Name:  "jobs",
	Usage: "Inspect and cancel computations",
	Subcommands: []*cli.Command{
		{
			Name: "list",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Value: 50},
				&cli.IntFlag{Name: "offset"},
			},
			Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
				return c.ListJobs(ctx, cCtx.Int("limit"), cCtx.Int("offset"))
			}),
		},
		{
			Name:      "get",
			ArgsUsage: "<job-id>",
			Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
				return c.GetJob(ctx, cCtx.Args().First())
			}),
		},
		{
			Name:      "cancel",
			ArgsUsage: "<job-id>",
			Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
				return c.CancelJob(ctx, cCtx.Args().First())
			}),
		},
	},
}
