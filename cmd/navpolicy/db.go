package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/navpolicy/internal/db"
)

var dbPath string
var episodeLimit int

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the trajectory database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDBPath(cmd)
		if err != nil {
			return err
		}
		store, err := db.OpenDB(path)
		if err != nil {
			return err
		}
		defer store.Close()

		migFS, err := db.MigrationsFS()
		if err != nil {
			return err
		}
		switch args[0] {
		case "up":
			if err := store.MigrateUp(migFS); err != nil {
				return err
			}
		case "down":
			if err := store.MigrateDown(migFS); err != nil {
				return err
			}
		}
		version, dirty, err := store.MigrateVersion(migFS)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty=%t)\n", path, version, dirty)
		return nil
	},
}

var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "List recent episodes from the trajectory database",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDBPath(cmd)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("trajectory database: %w", err)
		}
		store, err := db.NewDB(path)
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.EpisodeSummaries(cmd.Context(), episodeLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EPISODE\tSTARTED\tTICKS\tSTATUS\tMIN DISTANCE")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.2f\n", s.EpisodeID, s.StartedAt.Format(time.RFC3339), s.Ticks, s.FinalStatus, s.MinDistance)
		}
		return tw.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{migrateCmd, episodesCmd} {
		c.Flags().StringVar(&dbPath, "db", "", "Trajectory database path (overrides trajlog.db_path)")
	}
	episodesCmd.Flags().IntVar(&episodeLimit, "limit", 20, "Maximum number of episodes to list")
}

func resolveDBPath(cmd *cobra.Command) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.GetDBPath(), nil
}
