package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// v is the layered configuration store: code defaults, an optional TOML
// file, HYPERDEXD_* environment variables, then CLI flags, each overriding
// the last. Mirrors the viper layering this tree's retrieval pack uses for
// its own CLI tools, generalized from a multi-command developer tool to one
// daemon's bootstrap settings.
var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "hyperdexd",
	Short: "Run a HyperDex storage daemon",
	Long: "hyperdexd hosts the virtual servers a coordinator has assigned to this\n" +
		"physical server, replicating writes down each virtual server's chain and\n" +
		"serving client reads and atomic writes.",
	SilenceUsage: true,
	// Bare `hyperdexd` behaves like `hyperdexd run`.
	RunE: runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a hyperdexd.toml configuration file")
	flags.Uint64("server-id", 0, "this physical server's identity, as assigned by the coordinator")
	flags.String("coordinator", "http://127.0.0.1:9000", "base URL of the coordinator's liaison HTTP API")
	flags.String("data-dir", "", "directory for per-region SQLite storage files; empty runs entirely in memory")
	flags.String("log-level", "info", "panic, fatal, error, warn, info, debug, or trace")
	flags.String("admin-listen", "127.0.0.1:9600", "address for the checkpoint-quiescence admin endpoint")
	flags.Duration("checkpoint-interval", 2*time.Second, "how often the retransmitter sweeps committable queues for stale sends")
	flags.Duration("config-poll-interval", 5*time.Second, "how often to ask the coordinator for a fresh configuration")

	_ = v.BindPFlags(flags)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("toml")
		_ = v.ReadInConfig() // missing/malformed config file falls back to defaults + env + flags
	}

	v.SetEnvPrefix("HYPERDEXD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}
