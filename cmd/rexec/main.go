package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/guseggert/rexec/agent"
	"github.com/guseggert/rexec/agent/rexec"
	"github.com/guseggert/rexec/agent/subprocess"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func main() {
	app := &cli.App{
		Name:  "rexec",
		Usage: "run and manage processes on a node agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "The IP address of the agent.",
				Value:   "127.0.0.1",
				EnvVars: []string{"REXEC_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port of the agent.",
				Value:   8080,
				EnvVars: []string{"REXEC_PORT"},
			},
			&cli.StringFlag{
				Name:    "ca-cert-pem",
				Usage:   "The CA cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"REXEC_CA_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "cert-pem",
				Usage:   "The client cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"REXEC_CLIENT_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "key-pem",
				Usage:   "The client key PEM bytes to use (base64-encoded).",
				EnvVars: []string{"REXEC_CLIENT_KEY_PEM"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log at debug level.",
				EnvVars: []string{"REXEC_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "certs",
				Usage:  "generate a CA with agent and client certs, printed as shell exports",
				Action: certsCmd,
			},
			{
				Name:      "exec",
				Usage:     "run a command on the agent, streaming its output",
				ArgsUsage: "CMD [ARGS...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cwd", Usage: "Working directory of the process."},
					&cli.StringSliceFlag{Name: "env", Usage: "NAME=VALUE to set in the environment. Any use replaces the agent's environment."},
					&cli.StringSliceFlag{Name: "opt", Usage: "NAME=VALUE subprocess option, such as stdout_BUFSIZE=1M."},
					&cli.BoolFlag{Name: "stdin", Usage: "Copy stdin to the process."},
				},
				Action: execCmd,
			},
			{
				Name:   "ps",
				Usage:  "list the agent's processes",
				Action: psCmd,
			},
			{
				Name:      "kill",
				Usage:     "signal a process group on the agent",
				ArgsUsage: "PID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "signal", Aliases: []string{"s"}, Value: "SIGTERM"},
				},
				Action: killCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func logger(c *cli.Context) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !c.Bool("debug") {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

func decodePEM(c *cli.Context, flag string) ([]byte, error) {
	s := c.String(flag)
	if s == "" {
		return nil, fmt.Errorf("--%s is required", flag)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", flag, err)
	}
	return b, nil
}

func dial(c *cli.Context) (*rexec.Client, error) {
	log, err := logger(c)
	if err != nil {
		return nil, err
	}
	var certs agent.Certs
	if certs.CA.CertPEMBytes, err = decodePEM(c, "ca-cert-pem"); err != nil {
		return nil, err
	}
	if certs.Client.CertPEMBytes, err = decodePEM(c, "cert-pem"); err != nil {
		return nil, err
	}
	if certs.Client.KeyPEMBytes, err = decodePEM(c, "key-pem"); err != nil {
		return nil, err
	}
	client, err := agent.NewClient(log, &certs, c.String("host"), c.Int("port"))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	return client.Rexec(ctx)
}

func certsCmd(c *cli.Context) error {
	certs, err := agent.GenerateCerts()
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString
	fmt.Printf("export REXEC_CA_CERT_PEM=%s\n", enc(certs.CA.CertPEMBytes))
	fmt.Printf("export REXEC_AGENT_CERT_PEM=%s\n", enc(certs.Server.CertPEMBytes))
	fmt.Printf("export REXEC_AGENT_KEY_PEM=%s\n", enc(certs.Server.KeyPEMBytes))
	fmt.Printf("export REXEC_CLIENT_CERT_PEM=%s\n", enc(certs.Client.CertPEMBytes))
	fmt.Printf("export REXEC_CLIENT_KEY_PEM=%s\n", enc(certs.Client.KeyPEMBytes))
	return nil
}

func execCmd(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("exec requires a command", 2)
	}
	cmd := &subprocess.Command{Cmdline: c.Args().Slice(), Cwd: c.String("cwd")}
	if env := c.StringSlice("env"); len(env) > 0 {
		if err := cmd.SetEnvList(env); err != nil {
			return err
		}
	}
	for _, kv := range c.StringSlice("opt") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid option %q", kv)
		}
		if cmd.Opts == nil {
			cmd.Opts = map[string]string{}
		}
		cmd.Opts[name] = value
	}

	rc, err := dial(c)
	if err != nil {
		return err
	}
	defer rc.Bus.Close()

	opts := rexec.ExecOptions{Stdout: os.Stdout, Stderr: os.Stderr}
	if c.Bool("stdin") {
		opts.Stdin = os.Stdin
	}
	p, err := rc.Exec(c.Context, cmd, opts)
	if err != nil {
		return err
	}
	if !c.Bool("stdin") {
		if err := p.CloseStdin(c.Context); err != nil {
			return err
		}
	}

	// forward interrupts to the remote process group
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			if err := p.Kill(c.Context, sig.(syscall.Signal)); err != nil {
				fmt.Fprintf(os.Stderr, "forwarding %s: %s\n", sig, err)
			}
		}
	}()

	res, err := p.Wait(c.Context)
	if err != nil {
		return err
	}
	if sig, ok := subprocess.Signaled(res.Status); ok {
		return cli.Exit(fmt.Sprintf("killed by %s", unix.SignalName(sig)), 128+int(sig))
	}
	if res.ExitCode != 0 {
		return cli.Exit("", res.ExitCode)
	}
	return nil
}

func psCmd(c *cli.Context) error {
	rc, err := dial(c)
	if err != nil {
		return err
	}
	defer rc.Bus.Close()

	lr, err := rc.List(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPID\tCMD")
	for _, p := range lr.Procs {
		fmt.Fprintf(w, "%d\t%d\t%s\n", lr.Rank, p.PID, p.Cmd)
	}
	return w.Flush()
}

func killCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("kill requires a PID", 2)
	}
	pid, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return fmt.Errorf("parsing pid: %w", err)
	}
	sigName := c.String("signal")
	if !strings.HasPrefix(sigName, "SIG") {
		sigName = "SIG" + strings.ToUpper(sigName)
	}
	sig := unix.SignalNum(sigName)
	if sig == 0 {
		return fmt.Errorf("unknown signal %q", c.String("signal"))
	}

	rc, err := dial(c)
	if err != nil {
		return err
	}
	defer rc.Bus.Close()
	return rc.Kill(c.Context, pid, sig)
}
