package main

import (
	"fmt"
	"os"
	"time"

	"repoyard/internal/app"
	"repoyard/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// a.Close(). operation identifies the CLI command being run.
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "repoyard",
	Short: "Mirror repositories between this machine and remote storage",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		installID := uuid.New().String()
		cfg := config.NewConfig(installID, defaults["data_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Install ID: %s\n", installID)
		fmt.Printf("Data Dir:   %s\n", defaults["data_dir"])
		fmt.Println("Add at least one [storage_locations.<name>] section before first use.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Install ID:    %s\n", cfg.InstallID)
		fmt.Printf("Data Dir:      %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Transfer Tool: %s (config %s)\n", cfg.TransferTool.Binary, cfg.TransferTool.ConfigPath)
		fmt.Printf("Default Storage Location: %s\n", cfg.DefaultStorageLocation)
		for name, sl := range cfg.StorageLocations {
			fmt.Printf("  %s: type=%s store_path=%s\n", name, sl.Type, sl.StorePath)
		}
		return nil
	},
}

// new command
var newCmd = &cobra.Command{
	Use:   "new NAME",
	Short: "Create a new repo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storageLocation, _ := cmd.Flags().GetString("storage-location")
		fromPath, _ := cmd.Flags().GetString("from")
		copyFrom, _ := cmd.Flags().GetBool("copy")

		a, err := newApp("NewRepo")
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.NewRepo(args[0], storageLocation, fromPath, copyFrom)
		if err != nil {
			return err
		}
		fmt.Printf("Created repo %s\n", m.IndexKey())
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known repos",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")

		a, err := newApp("List")
		if err != nil {
			return err
		}
		defer a.Close()

		metas, err := a.List(group)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("No repos found.")
			return nil
		}
		for _, m := range metas {
			included := " "
			if a.Included(m) {
				included = "I"
			}
			fmt.Printf("%s  %-12s  %s\n", included, m.StorageLocation, m.IndexKey())
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status REF",
	Short: "View a repo's sync status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Repo:    %s (%s)\n", st.IndexKey, st.StorageLocation)
		if st.RemoteExists() {
			fmt.Printf("Remote:  %s\n", st.RemoteIndexKey)
			if st.NameMismatch {
				fmt.Println("Notice:  remote name differs from local name (use sync-name)")
			}
		} else {
			fmt.Println("Remote:  absent")
		}
		if !st.Included {
			fmt.Println("Data:    excluded (metadata only)")
		}
		for _, ps := range st.Parts {
			fmt.Printf("  %-5s %s\n", ps.Part, ps.Condition)
		}
		return nil
	},
}

// sync commands
var syncCmd = &cobra.Command{
	Use:   "sync REF",
	Short: "Synchronize a repo with its storage location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		setting, _ := cmd.Flags().GetString("setting")
		part, _ := cmd.Flags().GetString("part")

		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Sync(args[0], direction, setting, part); err != nil {
			return err
		}
		fmt.Println("Sync complete.")
		return nil
	},
}

var syncAllCmd = &cobra.Command{
	Use:   "sync-all [REF...]",
	Short: "Synchronize several repos (all, when no refs are given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		setting, _ := cmd.Flags().GetString("setting")
		part, _ := cmd.Flags().GetString("part")

		a, err := newApp("SyncAll")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SyncAll(args, direction, setting, part); err != nil {
			return err
		}
		fmt.Println("Sync complete.")
		return nil
	},
}

// rename commands
var renameCmd = &cobra.Command{
	Use:   "rename REF NEW_NAME",
	Short: "Rename a repo (the repo ID never changes)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")

		a, err := newApp("Rename")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Rename(args[0], args[1], scope); err != nil {
			return err
		}
		fmt.Printf("Renamed to %s (scope %s)\n", args[1], scope)
		return nil
	},
}

var syncNameCmd = &cobra.Command{
	Use:   "sync-name REF",
	Short: "Reconcile a local/remote name mismatch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")

		a, err := newApp("SyncName")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.SyncName(args[0], direction)
	},
}

// delete and tombstone commands
var deleteCmd = &cobra.Command{
	Use:   "delete REF",
	Short: "Delete a repo (tombstoning the remote copy)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		localOnly, _ := cmd.Flags().GetBool("local-only")
		yes, _ := cmd.Flags().GetBool("yes")

		a, err := newApp("Delete")
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Resolve(args[0])
		if err != nil {
			return err
		}

		if !yes {
			fmt.Printf("Delete %s? [y/N] ", m.IndexKey())
			var answer string
			fmt.Scanln(&answer)
			if answer != "y" && answer != "Y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := a.Delete(args[0], localOnly); err != nil {
			return err
		}
		fmt.Println("Repo deleted.")
		return nil
	},
}

var untombstoneCmd = &cobra.Command{
	Use:   "untombstone STORAGE_LOCATION REPO_ID",
	Short: "Remove a repo ID's tombstone",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Untombstone")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Untombstone(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Tombstone removed for %s\n", args[1])
		return nil
	},
}

var tombstonesCmd = &cobra.Command{
	Use:   "tombstones STORAGE_LOCATION",
	Short: "List tombstones at a storage location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Tombstones")
		if err != nil {
			return err
		}
		defer a.Close()

		stones, err := a.Tombstones(args[0])
		if err != nil {
			return err
		}
		if len(stones) == 0 {
			fmt.Println("No tombstones.")
			return nil
		}
		for _, ts := range stones {
			fmt.Printf("%s  %s  by %s  (was %q)\n",
				ts.RepoID,
				ts.DeletedAt.Format("2006-01-02 15:04:05"),
				ts.DeletedByHostname,
				ts.LastKnownName,
			)
		}
		return nil
	},
}

// include / exclude commands
var includeCmd = &cobra.Command{
	Use:   "include REF",
	Short: "Materialize a repo's data locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Include")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Include(args[0])
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude REF",
	Short: "Drop a repo's local data copy (metadata stays)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Exclude")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Exclude(args[0])
	},
}

// refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild the repo index from the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Refresh")
		if err != nil {
			return err
		}
		defer a.Close()

		yard, err := a.Refresh()
		if err != nil {
			return err
		}
		fmt.Printf("Index rebuilt: %d repo(s)\n", len(yard.RepoMetas))
		return nil
	},
}

// locks command
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Manage lock files",
}

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale lock files",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")

		a, err := newApp("CleanupLocks")
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.CleanupLocks(maxAge)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Println("No stale locks.")
			return nil
		}
		for _, p := range removed {
			fmt.Printf("Removed %s\n", p)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			target := op.Target
			if target == "" {
				target = "-"
			}
			fmt.Printf("%-15s  %s  %-9s  %-8s  %s\n",
				op.Name,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				target,
			)
			if op.Error != "" {
				fmt.Printf("  error: %s\n", op.Error)
			}
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	newCmd.Flags().String("storage-location", "", "Storage location (default from config)")
	newCmd.Flags().String("from", "", "Seed the data directory from an existing local directory")
	newCmd.Flags().Bool("copy", false, "Copy the --from directory instead of moving it")
	rootCmd.AddCommand(newCmd)

	listCmd.Flags().StringP("group", "g", "", "Only repos in this group")
	rootCmd.AddCommand(listCmd)

	rootCmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{syncCmd, syncAllCmd} {
		c.Flags().String("direction", "", "Transfer direction: push or pull (default: derived)")
		c.Flags().String("setting", "careful", "Sync setting: careful, replace, or force")
		c.Flags().String("part", "", "Limit to one part: data or meta")
		rootCmd.AddCommand(c)
	}

	renameCmd.Flags().String("scope", "both", "Rename scope: local, remote, or both")
	rootCmd.AddCommand(renameCmd)

	syncNameCmd.Flags().String("direction", "to-remote", "Which name wins: to-local or to-remote")
	rootCmd.AddCommand(syncNameCmd)

	deleteCmd.Flags().Bool("local-only", false, "Remove only the local copy, leaving the remote untouched")
	deleteCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(untombstoneCmd)
	rootCmd.AddCommand(tombstonesCmd)

	rootCmd.AddCommand(includeCmd)
	rootCmd.AddCommand(excludeCmd)
	rootCmd.AddCommand(refreshCmd)

	locksCleanupCmd.Flags().Duration("max-age", 24*time.Hour, "Remove lock files older than this")
	locksCmd.AddCommand(locksCleanupCmd)
	rootCmd.AddCommand(locksCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(historyCmd)
}
