package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ruteri/tee-enclave-boundary/api/clients"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/httpserver"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/urfave/cli/v2"
)

var flagAdminID = &cli.StringFlag{
	Name:     "admin-id",
	Required: true,
	Usage:    "admin id registered with the host shell",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagShamirShare = &cli.StringFlag{
	Name:  "shamir-share-file",
	Value: "shamir-share.json",
	Usage: "Path to the share file",
}

// shareFile is the on-disk form of one administrator share.
type shareFile struct {
	Index int    `json:"index"`
	Share string `json:"share"`
}

func hostURL(cCtx *cli.Context) (string, error) {
	urls := cCtx.StringSlice(flagHostURL.Name)
	if len(urls) == 0 {
		return "", fmt.Errorf("--%s is required for admin calls", flagHostURL.Name)
	}
	return urls[0], nil
}

func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	url, err := hostURL(cCtx)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, fmt.Errorf("reading admin private key: %w", err)
	}
	return clients.NewAdminClient(url, cCtx.String(flagAdminID.Name), cryptoutils.PrivateKeyPEM(key)), nil
}

var shamirCommand = &cli.Command{
	Name:  "shamir",
	Usage: "Manage a Shamir-split root secret",
	Subcommands: []*cli.Command{
		{
			Name:  "keygen",
			Usage: "Generate an admin key pair",
			Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
			Action: func(cCtx *cli.Context) error {
				priv, pub, err := httpserver.GenerateAdminKeyPair()
				if err != nil {
					return err
				}
				if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(priv), 0o600); err != nil {
					return err
				}
				if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(pub), 0o644); err != nil {
					return err
				}
				fmt.Println("fingerprint:", httpserver.ComputeFingerprint([]byte(pub)))
				return nil
			},
		},
		{
			Name:  "split",
			Usage: "Generate a fresh root secret and split it into share files; the root is never written",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "threshold", Value: 2},
				&cli.IntFlag{Name: "shares", Value: 3},
				&cli.StringFlag{Name: "out-prefix", Value: "shamir-share-"},
			},
			Action: func(cCtx *cli.Context) error {
				root := make([]byte, kms.RootSecretSize)
				if _, err := rand.Read(root); err != nil {
					return err
				}
				defer cryptoutils.Wipe(root)

				shares, err := kms.Split(root, cCtx.Int("shares"), cCtx.Int("threshold"))
				if err != nil {
					return err
				}
				for i, share := range shares {
					data, err := json.Marshal(shareFile{Index: i, Share: base64.StdEncoding.EncodeToString(share)})
					if err != nil {
						return err
					}
					path := fmt.Sprintf("%s%d.json", cCtx.String("out-prefix"), i)
					if err := os.WriteFile(path, data, 0o600); err != nil {
						return err
					}
					fmt.Println("wrote", path)
				}
				return nil
			},
		},
		{
			Name:  "status",
			Usage: "Show whether the enclave root is locked",
			Action: func(cCtx *cli.Context) error {
				url, err := hostURL(cCtx)
				if err != nil {
					return err
				}
				client := clients.NewAdminClient(url, "", nil)
				ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
				defer cancel()
				status, err := client.GetStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(status)
			},
		},
		{
			Name:  "submit",
			Usage: "Verify the enclave's unlock report, then sign, encrypt and submit this admin's share",
			Flags: []cli.Flag{flagAdminID, flagAdminPrivkey, flagShamirShare, flagMeasurement, flagAcceptSimulation, flagMaxAge},
			Action: func(cCtx *cli.Context) error {
				if len(cCtx.StringSlice(flagMeasurement.Name)) == 0 {
					return fmt.Errorf("--%s is required: shares are only released to an attested enclave", flagMeasurement.Name)
				}
				policy, err := policyFromFlags(cCtx)
				if err != nil {
					return err
				}
				raw, err := os.ReadFile(cCtx.String(flagShamirShare.Name))
				if err != nil {
					return err
				}
				var sf shareFile
				if err := json.Unmarshal(raw, &sf); err != nil {
					return fmt.Errorf("parsing share file: %w", err)
				}
				share, err := base64.StdEncoding.DecodeString(sf.Share)
				if err != nil {
					return fmt.Errorf("decoding share: %w", err)
				}

				client, err := adminClient(cCtx)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
				defer cancel()
				status, err := client.SubmitShare(ctx, sf.Index, share, *policy)
				if err != nil {
					return err
				}
				return printJSON(status)
			},
		},
	},
}
