package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-enclave-boundary/cmd/enclavecommon"
	"github.com/ruteri/tee-enclave-boundary/cmd/flags"
	"github.com/ruteri/tee-enclave-boundary/config"
	"github.com/ruteri/tee-enclave-boundary/transport"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "enclaved",
		Usage: "Run the enclave side of the boundary and serve frames over vsock or TCP",
		Flags: append([]cli.Flag{flags.ConfigFlag}, flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := flags.SetupLogger(cCtx, cfg.Log).With("component", "enclaved")

			e, err := enclavecommon.SetupEnclave(cfg, logger)
			if err != nil {
				logger.Error("Failed to assemble enclave", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := e.Start(ctx); err != nil {
				logger.Error("Failed to start enclave", "err", err)
				return err
			}

			var server *transport.Server
			switch cfg.Transport.Kind {
			case config.TransportVsock:
				server, err = transport.NewVsockServer(cfg.Transport.VsockPort, e.Dispatcher, cfg.Transport.MaxPayloadBytes, logger)
			case config.TransportTCP:
				var listener net.Listener
				listener, err = net.Listen("tcp", cfg.Transport.TCPAddr)
				if err == nil {
					server = transport.NewServer(listener, e.Dispatcher, cfg.Transport.MaxPayloadBytes, logger)
				}
			default:
				err = fmt.Errorf("enclaved serves vsock or tcp transports, not %q", cfg.Transport.Kind)
			}
			if err != nil {
				logger.Error("Failed to listen", "err", err)
				return err
			}

			serveErr := server.Serve(ctx)
			logger.Info("Shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Close(shutdownCtx); err != nil {
				logger.Error("Enclave shutdown failed", "err", err)
			}
			logger.Info("Enclave shutdown complete")

			if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
				return serveErr
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
