// Package cmd wires the pcc command line: the server, the detached run
// worker, and shared configuration loading.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lemoz/project-control-center-sub001/internal/config"
	"github.com/lemoz/project-control-center-sub001/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "pcc",
	Short:   "Portfolio control center",
	Long:    `A local control plane for agent-assisted work across a portfolio of repositories: chat threads, policy-gated runs, git worktree isolation, and an action ledger.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pcc version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/pcc/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also via PCC_DEBUG)")
	rootCmd.PersistentFlags().String("portfolio", "",
		"portfolio root directory (default: current directory)")

	_ = viper.BindPFlag("portfolio", rootCmd.PersistentFlags().Lookup("portfolio"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("portfolio", defaults.Portfolio)
	viper.SetDefault("fail_in_progress_on_restart", defaults.FailInProgressOnRestart)
	viper.SetDefault("summary_chunk", defaults.SummaryChunk)
	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("agent.cli_path", defaults.Agent.CLIPath)
	viper.SetDefault("agent.timeout_minutes", defaults.Agent.TimeoutMinutes)
	viper.SetDefault("worker.toolchain", defaults.Worker.Toolchain)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.DefaultConfigDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PCC")
	viper.AutomaticEnv()

	// A missing config file is fine; defaults and flags apply.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// initLogging enables file logging when --debug or PCC_DEBUG is set.
// The returned cleanup closes the log file.
func initLogging() (func(), error) {
	if !debugFlag && os.Getenv("PCC_DEBUG") == "" {
		return func() {}, nil
	}

	logPath := os.Getenv("PCC_LOG")
	if logPath == "" {
		logPath = filepath.Join(cfg.Portfolio, ".system", "pcc.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatConfig, "logging initialized", "path", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
