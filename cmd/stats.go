package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/spf13/cobra"

	"github.com/geekxflood/snmproxy/internal/proxy"
	"github.com/geekxflood/snmproxy/internal/storage"
)

var (
	statsDatabase string
	statsProxy    string
	statsName     string
	statsSince    time.Duration
	statsLimit    int
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show traffic counters stored in statistics databases",
	Long: `Show the traffic counters recorded by proxies that have statistics.database set.
Without --name or --since the latest snapshot of each proxy is printed; with either,
the matching rows are listed newest first.`,
	Example: `# Latest snapshot of every proxy with a statistics database
	snmproxy stats --config config.yaml

	# History of one counter over the last hour
	snmproxy stats --config config.yaml --proxy edge --name "get .1.3.6.1.2.1.1.3.0" --since 1h

	# Read a database directly
	snmproxy stats --database /var/lib/snmproxy/stats.db --proxy edge`,
	RunE: showStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsDatabase, "database", "", "Statistics database path (default: from configuration)")
	statsCmd.Flags().StringVar(&statsProxy, "proxy", "", "Only show this proxy")
	statsCmd.Flags().StringVar(&statsName, "name", "", "Only show this counter")
	statsCmd.Flags().DurationVar(&statsSince, "since", 0, "Only show rows recorded within this duration")
	statsCmd.Flags().IntVar(&statsLimit, "limit", 20, "Maximum number of history rows per database")
}

func showStats(cmd *cobra.Command, args []string) error {
	logger, _, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	var provider config.Provider
	databases := map[string][]string{}
	if statsDatabase != "" {
		if statsProxy == "" && statsName == "" && statsSince == 0 {
			return fmt.Errorf("--database needs --proxy, --name or --since")
		}
		databases[statsDatabase] = []string{statsProxy}
	} else {
		manager, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		defer manager.Close()
		provider = manager

		configs, err := proxy.LoadProxyConfigs(manager, logger)
		if err != nil {
			return fmt.Errorf("failed to load proxies: %w", err)
		}
		for _, pc := range configs {
			if pc.Statistics.Database == "" || (statsProxy != "" && pc.Name != statsProxy) {
				continue
			}
			databases[pc.Statistics.Database] = append(databases[pc.Statistics.Database], pc.Name)
		}
		if len(databases) == 0 {
			return fmt.Errorf("no proxy has a statistics database configured")
		}
	}

	paths := make([]string, 0, len(databases))
	for path := range databases {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := cmd.OutOrStdout()
	for _, path := range paths {
		if err := printDatabase(out, provider, path, databases[path], logger); err != nil {
			return err
		}
	}
	return nil
}

func printDatabase(out io.Writer, provider config.Provider, path string, proxies []string, logger logging.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("statistics database %s not found: %w", path, err)
	}

	sc := storage.LoadStorageConfig(provider)
	sc.ConnectionString = path
	// Reading must never prune rows.
	sc.RetentionDays = 0
	store, err := storage.Open(sc, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.GetStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s (%d rows, %d snapshots)\n", store.Path(), summary.TotalRecords, summary.Snapshots)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if statsName != "" || statsSince > 0 {
		q := &storage.Query{Name: statsName, Limit: statsLimit, OrderDesc: true}
		if statsProxy != "" {
			q.Proxy = statsProxy
		}
		if statsSince > 0 {
			start := time.Now().Add(-statsSince)
			q.StartTime = &start
		}
		records, err := store.QueryTrafficStats(q)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RECORDED\tPROXY\tCOUNTER\tCOUNT\tPER SECOND")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\n",
				r.RecordedAt.Format(time.RFC3339), r.Proxy, r.Name, r.Count, r.PerSecond)
		}
		return nil
	}

	sort.Strings(proxies)
	for _, name := range proxies {
		stats, at, err := store.LatestSnapshot(name)
		if err != nil {
			return err
		}
		if at.IsZero() {
			fmt.Fprintf(w, "%s\tno snapshot recorded\n", name)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", name, at.Format(time.RFC3339))
		for _, st := range stats {
			fmt.Fprintf(w, "  %s\tnum=%d\tperSec=%.2f\n", st.Name, st.Count, st.PerSecond)
		}
	}
	return nil
}
