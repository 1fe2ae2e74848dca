package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/rexec/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

func main() {
	app := &cli.App{
		Name:  "nodeagent",
		Usage: "the node agent that runs processes for remote requesters",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "on-heartbeat-failure",
				Usage:   "Action to take on a heartbeat failure. One of [drain,shutdown,exit,none].",
				Value:   "none",
				EnvVars: []string{"REXEC_AGENT_ON_HEARTBEAT_FAILURE"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-timeout",
				Usage:   "Duration to wait for a heartbeat before running the heartbeat failure action.",
				Value:   time.Minute,
				EnvVars: []string{"REXEC_AGENT_HEARTBEAT_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"REXEC_AGENT_LISTEN_ADDR"},
			},
			&cli.UintFlag{
				Name:    "rank",
				Usage:   "The rank of this node, reported with every process.",
				EnvVars: []string{"REXEC_AGENT_RANK"},
			},
			&cli.StringFlag{
				Name:    "local-uri",
				Usage:   "The URI spawned processes use to reach this agent. Defaults to wss://nodeagent:<port>/rexec.",
				EnvVars: []string{"REXEC_AGENT_LOCAL_URI"},
			},
			&cli.StringFlag{
				Name:    "uri-env-var",
				Usage:   "The environment variable the local URI is passed to processes in.",
				Value:   "REXEC_URI",
				EnvVars: []string{"REXEC_AGENT_URI_ENV_VAR"},
			},
			&cli.StringSliceFlag{
				Name:    "allow-subject",
				Usage:   "A client certificate common name allowed to run processes. May be repeated. Empty allows any client.",
				EnvVars: []string{"REXEC_AGENT_ALLOW_SUBJECTS"},
			},
			&cli.StringFlag{
				Name:    "drain-signal",
				Usage:   "The signal sent to processes when the agent drains.",
				Value:   "SIGTERM",
				EnvVars: []string{"REXEC_AGENT_DRAIN_SIGNAL"},
			},
			&cli.DurationFlag{
				Name:    "drain-timeout",
				Usage:   "How long to wait for processes to exit when draining.",
				Value:   30 * time.Second,
				EnvVars: []string{"REXEC_AGENT_DRAIN_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log at debug level.",
				EnvVars: []string{"REXEC_AGENT_DEBUG"},
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				Required: true,
				EnvVars:  []string{"REXEC_CA_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				Required: true,
				EnvVars:  []string{"REXEC_AGENT_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				Required: true,
				EnvVars:  []string{"REXEC_AGENT_KEY_PEM"},
			},
		},
		Action: func(ctx *cli.Context) error {
			caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			drainSignal := unix.SignalNum(ctx.String("drain-signal"))
			if drainSignal == 0 {
				return fmt.Errorf("unknown drain signal %q", ctx.String("drain-signal"))
			}

			opts := []agent.Option{
				agent.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithRank(uint32(ctx.Uint("rank"))),
				agent.WithLocalURI(ctx.String("local-uri")),
				agent.WithURIEnvVar(ctx.String("uri-env-var")),
				agent.WithAllowedSubjects(ctx.StringSlice("allow-subject")...),
				agent.WithDrain(drainSignal, ctx.Duration("drain-timeout")),
			}
			if !ctx.Bool("debug") {
				opts = append(opts, agent.WithLogLevel(zapcore.InfoLevel))
			}

			switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
			case "drain":
				opts = append(opts, agent.WithHeartbeatFailureDrain())
			case "shutdown":
				opts = append(opts, agent.WithHeartbeatFailureHandler(agent.HeartbeatFailureShutdown))
			case "exit":
				opts = append(opts, agent.WithHeartbeatFailureHandler(agent.HeartbeatFailureExit))
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			a, err := agent.NewNodeAgent(caCertPEMBytes, certPEMBytes, keyPEMBytes, opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			// The first SIGINT or SIGTERM drains, the second stops immediately.
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				drainCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("drain-timeout"))
				defer cancel()
				go func() {
					<-sigs
					cancel()
				}()
				if err := a.Shutdown(drainCtx); err != nil {
					fmt.Fprintf(os.Stderr, "drain failed: %s\n", err)
					a.Stop()
				}
			}()

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
