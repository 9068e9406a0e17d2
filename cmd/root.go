// Package cmd implements the argo daemon's command-line entry point.
package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ckoons/argo/internal/log"
)

// DefaultPort is used when no port is given on the command line or via
// ARGO_DAEMON_PORT.
const DefaultPort = 9876

var (
	version   = "dev"
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "argod [port]",
	Short: "Run the argo workflow orchestration daemon",
	Long: `argod is the workflow orchestration daemon: it accepts HTTP requests to
launch, monitor, pause, resume, feed input to, and tear down workflow
scripts running as child processes on the host.

It listens on the port given as its one optional argument, falling back to
ARGO_DAEMON_PORT and then 9876. The bind host is ARGO_DAEMON_HOST, default
localhost.`,
	Version: version,
	Args:    cobra.MaximumNArgs(1),
	RunE:    runDaemon,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: ARGO_DEBUG=1)")
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func resolveHost() string {
	if h := os.Getenv("ARGO_DAEMON_HOST"); h != "" {
		return h
	}
	return "localhost"
}

func resolvePort(args []string) (int, error) {
	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		return port, nil
	}
	if raw := os.Getenv("ARGO_DAEMON_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid ARGO_DAEMON_PORT %q: %w", raw, err)
		}
		return port, nil
	}
	return DefaultPort, nil
}

func initDebugLogging() (func(), error) {
	debug := os.Getenv("ARGO_DEBUG") != "" || debugFlag
	if !debug {
		return func() {}, nil
	}
	logPath := os.Getenv("ARGO_LOG")
	if logPath == "" {
		logPath = "argod.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.SetMinLevel(log.LevelDebug)
	log.Info(log.CatDaemon, "debug logging enabled", "path", logPath)
	return cleanup, nil
}
