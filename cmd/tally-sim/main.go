// Package main provides tally-sim, an interactive sandbox for the cache
// synchronization core over an in-memory backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/tallyapp/tally/internal/sim"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := flag.NewFlagSet("tally-sim", flag.ContinueOnError)

	workDir := flags.StringP("cwd", "C", "", "run as if started in this directory")
	configPath := flags.StringP("config", "c", "", "explicit config file")
	pageSize := flags.Int("page-size", 0, "list page size")
	latency := flags.Int("latency", 0, "artificial backend latency in milliseconds")
	verbose := flags.BoolP("verbose", "v", false, "log cache internals to stderr")

	err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	cfg, err := sim.LoadConfig(sim.LoadConfigInput{
		WorkDirOverride: *workDir,
		ConfigPath:      *configPath,
		Overrides: sim.Config{
			PageSize:  *pageSize,
			LatencyMS: *latency,
			Verbose:   *verbose,
		},
		Env: env,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	logger := zerolog.Nop()
	if cfg.Verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	session, err := sim.NewSession(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	repl := sim.NewREPL(session, sim.NewIO(os.Stdout, os.Stderr))

	err = repl.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	return 0
}
