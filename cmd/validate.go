package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/geekxflood/common/logging"
	"github.com/spf13/cobra"

	"github.com/geekxflood/snmproxy/internal/app"
	"github.com/geekxflood/snmproxy/internal/client"
	"github.com/geekxflood/snmproxy/internal/proxy"
	"github.com/geekxflood/snmproxy/internal/reactor"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate a configuration file against the schema and check every proxy block.
Proxy blocks that would be skipped at startup are reported.`,
	Example: `# Validate configuration file
	snmproxy validate --config config.yaml

	# Validate using default config locations
	snmproxy validate`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configPath, err := findConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := checkAgainstSchema(configPath, data); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	manager, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	defer manager.Close()

	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Println("✓ Configuration syntax is valid")

	if _, err := app.LoadAppConfig(manager); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, err := reactor.LoadConfig(manager); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, err := client.LoadClientConfig(manager); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	blocks, err := manager.GetMap("proxies")
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, _, err := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	configs, err := proxy.LoadProxyConfigs(manager, logger)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	valid := make(map[string]bool, len(configs))
	for _, pc := range configs {
		valid[pc.Name] = true
		fmt.Printf("✓ Proxy %s: %s -> %s, %d cached subtree(s)\n",
			pc.Name, pc.Socket, pc.Target.Target, len(pc.Cache))
	}
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if valid[name] {
			continue
		}
		m, _ := blocks[name].(map[string]any)
		if _, err := proxy.ParseProxyConfig(name, m); err != nil {
			fmt.Printf("✗ Proxy %s will not start: %v\n", name, err)
		}
	}

	if len(configs) == 0 {
		return fmt.Errorf("configuration validation failed: no usable proxy")
	}

	fmt.Println("✓ Configuration validation completed successfully")
	return nil
}
