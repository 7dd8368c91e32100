package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	outputFile string
	force      bool
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a sample configuration file",
	Long:  `Generate a sample configuration file for the snmproxy caching SNMP proxy.`,
	Example: `# Generate config to stdout
	snmproxy generate

	# Generate config to specific file
	snmproxy generate --output config.yaml

	# Overwrite existing file
	snmproxy generate --output config.yaml --force`,
	RunE: generateConfig,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (default: stdout)")
	generateCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing file")
}

const sampleConfig = `# snmproxy configuration
# Managers talk to the proxy socket with one of the accepted communities.
# Requests are forwarded to the target agent, except single-binding GET,
# GET-NEXT and GET-BULK requests under a cache-for prefix, which are
# answered from a snapshot refreshed every update-interval seconds.

app:
  log_level: "info"
  log_format: "json"
  log_output: "stdout"
  poll_interval: "500ms"

reactor:
  max_packet_size: 65535
  allowed_sources: []
  blocked_sources: []

client:
  timeout: "10s"
  max_repetitions: 10

metrics:
  enabled: true
  listen_address: ":9117"

storage:
  retention_days: 30

retry:
  max_attempts: 3
  open_timeout: "5m"

proxies:
  edge:
    community:
      - "public"
      - "monitor"
    socket: "0.0.0.0:161"
    target:
      src-socket: "0.0.0.0:10161"
      dst-socket: "10.0.0.1:161"
      community: "public"
    statistics:
      file: "/var/lib/snmproxy/edge.stats"
      write-interval: 60
      # database: "/var/lib/snmproxy/stats.db"
    cache-for:
      ".1.3.6.1.2.1.2.*":
        update-interval: 60
      ".1.3.6.1.2.1.31.1.1.*":
        update-interval: 300
`

func generateConfig(cmd *cobra.Command, args []string) error {
	if err := checkAgainstSchema("sample.yaml", []byte(sampleConfig)); err != nil {
		return fmt.Errorf("sample configuration is invalid: %w", err)
	}

	if outputFile == "" {
		fmt.Print(sampleConfig)
		return nil
	}

	if _, err := os.Stat(outputFile); err == nil && !force {
		return fmt.Errorf("file %s already exists, use --force to overwrite", outputFile)
	}

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(outputFile, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Printf("Configuration file generated: %s\n", outputFile)
	return nil
}
