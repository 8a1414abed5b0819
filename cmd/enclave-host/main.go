package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-enclave-boundary/api/enclavehandler"
	"github.com/ruteri/tee-enclave-boundary/boundary"
	"github.com/ruteri/tee-enclave-boundary/cmd/enclavecommon"
	"github.com/ruteri/tee-enclave-boundary/cmd/flags"
	"github.com/ruteri/tee-enclave-boundary/config"
	"github.com/ruteri/tee-enclave-boundary/httpserver"
	"github.com/ruteri/tee-enclave-boundary/instanceutils/serviceresolver"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/metrics"
	"github.com/ruteri/tee-enclave-boundary/transport"
	"github.com/urfave/cli/v2"
)

var adminKeysFlag = &cli.StringFlag{
	Name:  "admin-keys-file",
	Usage: "JSON file with admin public keys; enables the root share admin API",
}

func main() {
	app := &cli.App{
		Name:  "enclave-host",
		Usage: "Serve the enclave boundary over HTTP from the host",
		Flags: append(flags.CommonFlags, adminKeysFlag),
		Action: func(cCtx *cli.Context) error {
			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := flags.SetupLogger(cCtx, cfg.Log).With("component", "enclave-host")

			inner, local, err := connectEnclave(cfg, logger)
			if err != nil {
				logger.Error("Failed to connect to enclave", "err", err)
				return err
			}

			slots := transport.NewSlotPool(inner, cfg.Enclave.MaxSlots, cfg.Enclave.SlotWatchdog, logger)
			sink := metrics.NewPrometheusSink(cfg.Metrics.Namespace)
			observed := transport.Observed(slots, sink, cfg.Enclave.ParsedMode(), logger)
			registerSlotGauges(cfg.Metrics.Namespace, slots)

			client := boundary.NewClient(observed)
			routes := []httpserver.RouteRegistrar{
				enclavehandler.NewHandler(observed, cfg.Transport.MaxPayloadBytes, logger, enclavehandler.WithCallTimeout(cfg.Transport.Timeout)),
			}

			if path := cCtx.String(adminKeysFlag.Name); path != "" {
				f, err := os.Open(path)
				if err != nil {
					logger.Error("Failed to open admin keys file", "err", err)
					return err
				}
				adminKeys, err := httpserver.LoadAdminKeys(f)
				f.Close()
				if err != nil {
					logger.Error("Failed to load admin keys", "err", err)
					return err
				}
				logger.Info("Admin keys loaded successfully", "count", len(adminKeys))
				routes = append(routes, httpserver.NewAdminHandler(logger, client, adminKeys))
			}

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cfg), client, routes...)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			if local != nil {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Enclave.ProbeTimeout+time.Minute)
				err := local.Start(ctx)
				cancel()
				if err != nil {
					logger.Error("Failed to start in-process enclave", "err", err)
					return err
				}
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			if err := client.Close(); err != nil {
				logger.Warn("Closing enclave transport failed", "err", err)
			}
			if local != nil {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownDuration)
				defer cancel()
				if err := local.Close(ctx); err != nil {
					logger.Error("In-process enclave shutdown failed", "err", err)
				}
			}
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// connectEnclave returns the transport to the enclave. With the simulated
// transport the enclave runs in this process and is returned as well.
func connectEnclave(cfg *config.Config, logger *slog.Logger) (interfaces.Transport, *enclavecommon.Enclave, error) {
	streamOpts := transport.StreamOptions{
		MaxPayload: cfg.Transport.MaxPayloadBytes,
		MaxIdle:    int(cfg.Enclave.MaxSlots),
	}
	switch cfg.Transport.Kind {
	case config.TransportSimulated:
		e, err := enclavecommon.SetupEnclave(cfg, logger.With("side", "enclave"))
		if err != nil {
			return nil, nil, err
		}
		return transport.NewSimulatedTransport(e.Dispatcher, cfg.Transport.MaxPayloadBytes, logger), e, nil
	case config.TransportVsock:
		logger.Info("Connecting to enclave over vsock", "cid", cfg.Transport.VsockCID, "port", cfg.Transport.VsockPort)
		return transport.NewVsockTransport(cfg.Transport.VsockCID, cfg.Transport.VsockPort, streamOpts, logger), nil, nil
	case config.TransportTCP:
		logger.Info("Connecting to enclave over TCP", "addr", cfg.Transport.TCPAddr)
		return transport.NewStreamTransport(transport.TCPDialer(cfg.Transport.TCPAddr), streamOpts, logger), nil, nil
	case config.TransportRemote:
		// Relay to other host shells, e.g. an edge host in front of enclave hosts.
		logger.Info("Relaying to remote host shells", "urls", cfg.Transport.RemoteURLs, "srv", cfg.Transport.RemoteSRV)
		remote, err := transport.NewRemoteTransport(transport.RemoteOptions{
			BaseURLs:   cfg.Transport.RemoteURLs,
			SRVName:    cfg.Transport.RemoteSRV,
			Resolver:   &serviceresolver.Resolver{Server: cfg.Transport.DNSServer},
			MaxPayload: cfg.Transport.MaxPayloadBytes,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return remote, nil, nil
	default:
		return nil, nil, fmt.Errorf("the host cannot use the %q transport", cfg.Transport.Kind)
	}
}

func registerSlotGauges(namespace string, slots *transport.SlotPool) {
	metrics.RegisterGaugeFunc(namespace, "enclave_slots_in_use", "Enclave call slots currently held.", func() float64 {
		return float64(slots.InUse())
	})
	metrics.RegisterGaugeFunc(namespace, "enclave_slots_total", "Configured enclave call slots.", func() float64 {
		return float64(slots.Slots())
	})
	metrics.RegisterGaugeFunc(namespace, "enclave_calls_abandoned_total", "Calls whose caller gave up before the enclave answered.", func() float64 {
		return float64(slots.Abandoned())
	})
}
