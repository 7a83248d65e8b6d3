// Command storyloom serves and plays collaborative children's stories.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"storyloom/internal/kernel"
	"storyloom/pkg/config"
	"storyloom/pkg/version"
)

const usage = `usage: storyloom <command> [flags]

commands:
  serve                 run the HTTP API
  play [-thread ID]     tell a story in the terminal
  list                  list stories, newest first
  show ID               print a story
  delete ID             delete a story
  config                print the effective configuration
  secrets set NAME      store an encrypted secret
  version               print build information

every command accepts -config PATH (default $STORYLOOM_CONFIG or ./storyloom.yaml)
`

// EnvSecretsPassword unlocks the encrypted secrets file without a prompt.
const EnvSecretsPassword = "STORYLOOM_SECRETS_PASSWORD"

// kernelOptions is replaced by tests to inject scripted backends.
//
//nolint:gochecknoglobals // test seam
var kernelOptions kernel.Options

// errUsage marks a command line that could not be parsed.
var errUsage = errors.New("invalid usage")

// cli carries the process streams so commands can be driven from tests.
type cli struct {
	in     *bufio.Reader
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{in: bufio.NewReader(stdin), stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		err = c.serve(ctx, rest)
	case "play":
		err = c.play(ctx, rest)
	case "list":
		err = c.list(ctx, rest)
	case "show":
		err = c.show(ctx, rest)
	case "delete":
		err = c.remove(ctx, rest)
	case "config":
		err = c.printConfig(rest)
	case "secrets":
		err = c.secrets(rest)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "storyloom %s\n", version.String())
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
		return 2
	default:
		fmt.Fprintf(stderr, "storyloom: %v\n", err)
		return 1
	}
}

// flags returns a flag set with the shared -config flag.
func (c *cli) flags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	path := fs.String("config", "", "path to storyloom.yaml")
	return fs, path
}

// parse parses args and wraps parse failures as usage errors.
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// loadConfig loads the config singleton and returns a private copy.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadConfig(path); err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	return &cfg, nil
}

// startKernel loads config, unlocks secrets and builds the kernel.
func (c *cli) startKernel(ctx context.Context, configPath string, skipBackends bool) (*kernel.Kernel, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if !skipBackends {
		if err := c.unlockSecrets(cfg.DataDir); err != nil {
			return nil, err
		}
	}

	opts := kernelOptions
	opts.SkipBackends = skipBackends
	k, err := kernel.NewKernel(ctx, cfg, opts)
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	return k, nil
}
