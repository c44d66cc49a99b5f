// Command relay runs the anonymous chat relay and its admin subcommands.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/campchat/chat-relay/internal/config"
)

const programName = "relay"

var globalFlags = struct {
	debug      bool
	configFile string
}{}

// commonRun loads the configuration and sets up logging and GOMAXPROCS.
func commonRun() *config.Config {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if globalFlags.debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.WithError(err).Fatal("relay: set GOMAXPROCS")
	}
	return cfg
}

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Anonymous pairing and ephemeral chat relay",
		Run: func(cmd *cobra.Command, args []string) {
			serveRun(cmd, args)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(
		serveCommand(),
		banCommand(),
		tokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
