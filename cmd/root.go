// Package cmd provides the command-line interface for snmproxy.
package cmd

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/geekxflood/common/config"
	"github.com/spf13/cobra"

	"github.com/geekxflood/snmproxy/internal/app"
)

// daemonEnv marks the detached child started by --daemonize.
const daemonEnv = "SNMPROXY_DAEMON"

//go:embed schemas/config.cue
var configSchema []byte

var (
	cfgFile    string
	schemaFile string
	logFile    string
	pidFile    string
	daemonize  bool
	version    = "dev" // Will be set by build flags
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "snmproxy",
	Version: version,
	Short:   "Caching SNMP v2c proxy",
	Long: `snmproxy sits between SNMP managers and agents. It forwards GET, GET-NEXT,
GET-BULK and SET requests upstream and answers configured subtrees from a
periodically refreshed cache.`,
	Example: `# Run with a configuration file
	snmproxy --config /etc/snmproxy/config.yaml

	# Run in the background with a log and pid file
	snmproxy --config config.yaml --daemonize --log-file /var/log/snmproxy.log --pid-file /run/snmproxy.pid

	# Generate sample configuration
	snmproxy generate --output config.yaml

	# Validate configuration
	snmproxy validate --config config.yaml`,
	SilenceUsage: true,
	RunE:         runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if daemonize && os.Getenv(daemonEnv) == "" {
		pid, err := startDaemon(logFile)
		if err != nil {
			return fmt.Errorf("failed to daemonize: %w", err)
		}
		fmt.Printf("snmproxy started in background (pid %d)\n", pid)
		return nil
	}

	manager, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer manager.Close()

	application, err := app.NewApplication(manager, app.Options{
		Version:   version,
		PIDFile:   pidFile,
		LogOutput: logFile,
	})
	if err != nil {
		return err
	}

	if err := application.Initialize(); err != nil {
		application.GetLogger().Error("Startup failed", "error", err.Error())
		application.Shutdown()
		return err
	}

	return application.Run(cmd.Context())
}

func loadConfig() (config.Manager, error) {
	configPath, err := findConfig()
	if err != nil {
		return nil, err
	}

	schemaPath, err := resolveSchema()
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Loading configuration from: %s\n", configPath)

	manager, err := config.NewManager(config.Options{
		SchemaPath: schemaPath,
		ConfigPath: configPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}

	return manager, nil
}

// findConfig returns --config or the first default location that exists.
func findConfig() (string, error) {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return "", fmt.Errorf("configuration file not found: %s", cfgFile)
		}
		return cfgFile, nil
	}

	defaultPaths := []string{
		"config.yaml",
		"config.yml",
		"/etc/snmproxy/config.yaml",
		"/etc/snmproxy/config.yml",
	}

	for _, path := range defaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no configuration file found, specify with --config or create config.yaml")
}

// resolveSchema returns --schema, or writes the built-in schema to the temp directory.
func resolveSchema() (string, error) {
	if schemaFile != "" {
		return schemaFile, nil
	}

	dir, err := os.MkdirTemp("", "snmproxy-schema-")
	if err != nil {
		return "", fmt.Errorf("failed to prepare configuration schema: %w", err)
	}
	path := filepath.Join(dir, "config.cue")
	if err := os.WriteFile(path, configSchema, 0644); err != nil {
		return "", fmt.Errorf("failed to write configuration schema: %w", err)
	}
	return path, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&schemaFile, "schema", "", "CUE schema path (default: built-in schema)")

	rootCmd.Flags().StringVarP(&logFile, "log-file", "l", "", "Write logs to this file instead of app.log_output")
	rootCmd.Flags().StringVarP(&pidFile, "pid-file", "p", "", "Write the process id to this file")
	rootCmd.Flags().BoolVarP(&daemonize, "daemonize", "d", false, "Detach and run in the background")
}
