package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/boundary"
	"github.com/ruteri/tee-enclave-boundary/cmd/flags"
	"github.com/ruteri/tee-enclave-boundary/instanceutils/serviceresolver"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/transport"
	"github.com/urfave/cli/v2"
)

var flagHostURL = &cli.StringSliceFlag{
	Name:    "host-url",
	Value:   cli.NewStringSlice("http://127.0.0.1:8080"),
	EnvVars: []string{"TEE_HOST_URL"},
	Usage:   "host shell base URL; repeat for failover",
}
var flagHostSRV = &cli.StringFlag{
	Name:  "host-srv",
	Usage: "discover host shells through this SRV name instead of --host-url",
}
var flagDNSServer = &cli.StringFlag{
	Name:  "dns-server",
	Value: serviceresolver.DefaultServer,
	Usage: "DNS server used for --host-srv",
}
var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 60 * time.Second,
	Usage: "deadline for each call",
}

var flagKeyID = &cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true, Usage: "key id"}
var flagData = &cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "input as text"}
var flagDataHex = &cli.StringFlag{Name: "hex", Usage: "input as hex"}
var flagDataB64 = &cli.StringFlag{Name: "b64", Usage: "input as base64"}
var flagInFile = &cli.StringFlag{Name: "in", Usage: "read input from file"}

var inputFlags = []cli.Flag{flagData, flagDataHex, flagDataB64, flagInFile}

func newClient(cCtx *cli.Context) (*boundary.Client, error) {
	opts := transport.RemoteOptions{
		BaseURLs: cCtx.StringSlice(flagHostURL.Name),
	}
	if srv := cCtx.String(flagHostSRV.Name); srv != "" {
		opts.BaseURLs = nil
		opts.SRVName = srv
		opts.Resolver = &serviceresolver.Resolver{Server: cCtx.String(flagDNSServer.Name), Timeout: 5 * time.Second}
	}
	remote, err := transport.NewRemoteTransport(opts, flags.SetupClientLogger(cCtx))
	if err != nil {
		return nil, err
	}
	return boundary.NewClient(remote), nil
}

// withClient runs fn with a client and a context bounded by --timeout.
func withClient(fn func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error)) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		client, err := newClient(cCtx)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
		defer cancel()

		out, err := fn(ctx, cCtx, client)
		if err != nil {
			return describe(err)
		}
		return printJSON(out)
	}
}

// describe renders a boundary error as kind and correlation id.
func describe(err error) error {
	kind := interfaces.KindOf(err)
	if id := interfaces.CorrelationIDOf(err); id != "" {
		return fmt.Errorf("%s (correlation id %s): %w", kind, id, err)
	}
	return fmt.Errorf("%s: %w", kind, err)
}

func printJSON(v any) error {
	if v == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func hasInput(cCtx *cli.Context) bool {
	for _, f := range inputFlags {
		if cCtx.IsSet(f.Names()[0]) {
			return true
		}
	}
	return false
}

// readInput returns the input given by exactly one of the input flags.
func readInput(cCtx *cli.Context) ([]byte, error) {
	set := 0
	for _, f := range inputFlags {
		if cCtx.IsSet(f.Names()[0]) {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("give exactly one of --data, --hex, --b64 or --in")
	}
	switch {
	case cCtx.IsSet(flagData.Name):
		return []byte(cCtx.String(flagData.Name)), nil
	case cCtx.IsSet(flagDataHex.Name):
		return hex.DecodeString(cCtx.String(flagDataHex.Name))
	case cCtx.IsSet(flagDataB64.Name):
		return base64.StdEncoding.DecodeString(cCtx.String(flagDataB64.Name))
	default:
		return os.ReadFile(cCtx.String(flagInFile.Name))
	}
}

func main() {
	app := &cli.App{
		Name:                 "enclavectl",
		Usage:                "Call the enclave boundary through a host shell",
		Flags:                append([]cli.Flag{flagHostURL, flagHostSRV, flagDNSServer, flagTimeout}, flags.LogFlags...),
		EnableBashCompletion: true,
		DefaultCommand:       "probe",
		Commands: []*cli.Command{
			{
				Name:  "probe",
				Usage: "Check that the enclave answers",
				Action: withClient(func(ctx context.Context, _ *cli.Context, c *boundary.Client) (any, error) {
					return c.Probe(ctx)
				}),
			},
			{
				Name:  "init",
				Usage: "Initialize the enclave",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Usage: "simulated or hardware (default from the enclave config)"},
					&cli.StringFlag{Name: "enclave-id"},
					&cli.StringFlag{Name: "image"},
				},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					req := boundary.InitializeRequest{EnclaveID: cCtx.String("enclave-id"), ImagePath: cCtx.String("image")}
					if m := cCtx.String("mode"); m != "" {
						mode, err := interfaces.ParseMode(m)
						if err != nil {
							return nil, err
						}
						req.Mode = mode
					}
					return c.InitializeEnclave(ctx, req)
				}),
			},
			{
				Name:  "destroy",
				Usage: "Destroy the running enclave instance",
				Action: withClient(func(ctx context.Context, _ *cli.Context, c *boundary.Client) (any, error) {
					return c.DestroyEnclave(ctx)
				}),
			},
			{
				Name:  "attest",
				Usage: "Produce an attestation report binding the given report data",
				Flags: inputFlags,
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					var data []byte
					if hasInput(cCtx) {
						var err error
						if data, err = readInput(cCtx); err != nil {
							return nil, err
						}
					}
					return c.GenerateAttestation(ctx, data)
				}),
			},
			{
				Name:  "verify-report",
				Usage: "Verify an attestation report (JSON file) against a policy",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "report", Required: true, Usage: "report JSON file"},
					flagMeasurement,
					flagAcceptSimulation,
					flagMaxAge,
					&cli.StringFlag{Name: "simulation-key", Usage: "hex ed25519 key simulated reports are checked against"},
				},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					raw, err := os.ReadFile(cCtx.String("report"))
					if err != nil {
						return nil, err
					}
					var report interfaces.AttestationReport
					if err := json.Unmarshal(raw, &report); err != nil {
						return nil, fmt.Errorf("parsing report: %w", err)
					}
					policy, err := policyFromFlags(cCtx)
					if err != nil {
						return nil, err
					}
					var simKey []byte
					if k := cCtx.String("simulation-key"); k != "" {
						if simKey, err = hex.DecodeString(k); err != nil {
							return nil, err
						}
					}
					if !cCtx.IsSet("measurement") && !cCtx.IsSet("accept-simulation") && !cCtx.IsSet("max-age") {
						// Let the enclave apply its configured policy.
						return c.VerifyAttestation(ctx, &report, nil, simKey)
					}
					return c.VerifyAttestation(ctx, &report, policy, simKey)
				}),
			},
			{
				Name:  "seal",
				Usage: "Seal data under a context label",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "context", Required: true},
					&cli.StringFlag{Name: "store", Usage: "also persist the blob under this storage key"},
				}, inputFlags...),
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					data, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					blob, err := c.Seal(ctx, cCtx.String("context"), data, cCtx.String("store"))
					if err != nil {
						return nil, err
					}
					return map[string]string{"blob": base64.StdEncoding.EncodeToString(blob)}, nil
				}),
			},
			{
				Name:  "unseal",
				Usage: "Unseal a blob (base64 via --b64, or --in file) or a stored blob (--store)",
				Flags: append([]cli.Flag{&cli.StringFlag{Name: "store"}}, inputFlags...),
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					if key := cCtx.String("store"); key != "" {
						return c.UnsealStored(ctx, key)
					}
					blob, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					return c.Unseal(ctx, blob)
				}),
			},
			{
				Name:  "keygen",
				Usage: "Generate a key inside the enclave",
				Flags: []cli.Flag{
					flagKeyID,
					&cli.StringFlag{Name: "algorithm", Value: string(interfaces.AlgorithmEd25519), Usage: "ed25519, secp256k1, P-256 or AES-256-GCM"},
					&cli.StringFlag{Name: "usage", Value: "sign", Usage: "sign, encrypt or sign|encrypt"},
					&cli.BoolFlag{Name: "exportable"},
					&cli.StringFlag{Name: "description"},
				},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					alg, err := interfaces.ParseKeyAlgorithm(cCtx.String("algorithm"))
					if err != nil {
						return nil, err
					}
					usage, err := interfaces.ParseKeyUsage(cCtx.String("usage"))
					if err != nil {
						return nil, err
					}
					return c.GenerateKey(ctx, boundary.GenerateKeyRequest{
						KeyID:       cCtx.String(flagKeyID.Name),
						Algorithm:   alg,
						Usage:       usage,
						Exportable:  cCtx.Bool("exportable"),
						Description: cCtx.String("description"),
					})
				}),
			},
			{
				Name:  "sign",
				Usage: "Sign a message",
				Flags: append([]cli.Flag{flagKeyID}, inputFlags...),
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					msg, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					sig, err := c.Sign(ctx, cCtx.String(flagKeyID.Name), msg)
					if err != nil {
						return nil, err
					}
					return map[string]string{"signature": hex.EncodeToString(sig)}, nil
				}),
			},
			{
				Name:  "verify",
				Usage: "Verify a signature made by an enclave key",
				Flags: append([]cli.Flag{flagKeyID, &cli.StringFlag{Name: "signature", Required: true, Usage: "hex"}}, inputFlags...),
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					msg, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					sig, err := hex.DecodeString(cCtx.String("signature"))
					if err != nil {
						return nil, err
					}
					valid, err := c.Verify(ctx, cCtx.String(flagKeyID.Name), msg, sig)
					if err != nil {
						return nil, err
					}
					return map[string]bool{"valid": valid}, nil
				}),
			},
			{
				Name:  "encrypt",
				Usage: "Encrypt data with an enclave key",
				Flags: append([]cli.Flag{flagKeyID}, inputFlags...),
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					data, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					ct, err := c.Encrypt(ctx, cCtx.String(flagKeyID.Name), data)
					if err != nil {
						return nil, err
					}
					return map[string]string{"ciphertext": base64.StdEncoding.EncodeToString(ct)}, nil
				}),
			},
			{
				Name:  "decrypt",
				Usage: "Decrypt data with an enclave key",
				Flags: append([]cli.Flag{flagKeyID}, inputFlags...),
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					ct, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					pt, err := c.Decrypt(ctx, cCtx.String(flagKeyID.Name), ct)
					if err != nil {
						return nil, err
					}
					return map[string]string{"plaintext": base64.StdEncoding.EncodeToString(pt)}, nil
				}),
			},
			{
				Name:  "derive",
				Usage: "Derive key material from an enclave key; the result is sealed",
				Flags: []cli.Flag{
					flagKeyID,
					&cli.StringFlag{Name: "info", Required: true},
					&cli.IntFlag{Name: "length", Value: 32},
					&cli.StringFlag{Name: "context", Required: true, Usage: "seal context of the derived material"},
				},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					blob, err := c.DeriveKey(ctx, boundary.DeriveKeyRequest{
						KeyID:         cCtx.String(flagKeyID.Name),
						Info:          []byte(cCtx.String("info")),
						Length:        cCtx.Int("length"),
						OutputContext: cCtx.String("context"),
					})
					if err != nil {
						return nil, err
					}
					return map[string]string{"blob": base64.StdEncoding.EncodeToString(blob)}, nil
				}),
			},
			{
				Name:  "key-info",
				Usage: "Show key metadata",
				Flags: []cli.Flag{flagKeyID},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					return c.GetKeyMetadata(ctx, cCtx.String(flagKeyID.Name))
				}),
			},
			{
				Name:  "list-keys",
				Usage: "List key metadata",
				Action: withClient(func(ctx context.Context, _ *cli.Context, c *boundary.Client) (any, error) {
					return c.ListKeys(ctx)
				}),
			},
			{
				Name:  "delete-key",
				Usage: "Delete a key",
				Flags: []cli.Flag{flagKeyID},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					return nil, c.DeleteKey(ctx, cCtx.String(flagKeyID.Name))
				}),
			},
			{
				Name:  "random",
				Usage: "Draw random bytes, or an integer with --min/--max",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "length", Value: 32},
					&cli.Int64Flag{Name: "min"},
					&cli.Int64Flag{Name: "max"},
				},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, c *boundary.Client) (any, error) {
					if cCtx.IsSet("min") || cCtx.IsSet("max") {
						v, err := c.RandomInt(ctx, cCtx.Int64("min"), cCtx.Int64("max"))
						if err != nil {
							return nil, err
						}
						return map[string]int64{"value": v}, nil
					}
					b, err := c.GenerateRandom(ctx, cCtx.Int("length"))
					if err != nil {
						return nil, err
					}
					return map[string]string{"bytes": hex.EncodeToString(b)}, nil
				}),
			},
			execCommand,
			jobsCommand,
			shamirCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var flagMeasurement = &cli.StringSliceFlag{Name: "measurement", Usage: "accepted measurement (hex); repeatable"}
var flagAcceptSimulation = &cli.BoolFlag{Name: "accept-simulation", Usage: "accept simulated attestation"}
var flagMaxAge = &cli.DurationFlag{Name: "max-age", Usage: "maximum report age"}

func policyFromFlags(cCtx *cli.Context) (*attestation.VerificationPolicy, error) {
	policy := &attestation.VerificationPolicy{
		AcceptSimulation: cCtx.Bool(flagAcceptSimulation.Name),
		MaxAge:           cCtx.Duration(flagMaxAge.Name),
	}
	for _, m := range cCtx.StringSlice(flagMeasurement.Name) {
		measurement, err := interfaces.NewMeasurementFromHex(m)
		if err != nil {
			return nil, err
		}
		policy.ExpectedMeasurements = append(policy.ExpectedMeasurements, measurement)
	}
	return policy, nil
}
