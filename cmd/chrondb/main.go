package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/db"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/tx"
	"github.com/chrondb/chrondb/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chrondb",
	Short: "ChronDB - Chronologically versioned document database",
	Long: `ChronDB is a document-oriented key/value store where every write
becomes a commit in a content-addressable object graph. Documents are
addressed by "collection:id" keys and their full history is queryable
by commit, by timestamp, or by diff between two points in time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ChronDB version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory (repository, WAL, index)")
	rootCmd.PersistentFlags().String("branch", "", "Branch to operate on (default from configuration)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(metricsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

// loadConfig builds the effective configuration from the optional file
// and the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	return cfg, nil
}

// withDB opens the database, runs fn, and closes it.
func withDB(cmd *cobra.Command, fn func(*db.DB, string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	branch, _ := cmd.Flags().GetString("branch")

	database, err := db.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	return fn(database, branch)
}

func cliCtx() *tx.Context {
	return tx.New(tx.OriginCLI)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var putCmd = &cobra.Command{
	Use:   "put <json-document>",
	Short: "Save a document (JSON with an \"id\" field)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc types.Document
		if err := json.Unmarshal([]byte(args[0]), &doc); err != nil {
			return fmt.Errorf("invalid document JSON: %w", err)
		}
		return withDB(cmd, func(d *db.DB, branch string) error {
			ctx := tx.With(cmd.Context(), cliCtx())
			stored, err := d.Save(ctx, doc, branch)
			if err != nil {
				return err
			}
			return printJSON(stored)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a document by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		return withDB(cmd, func(d *db.DB, branch string) error {
			var doc types.Document
			var err error
			if at != "" {
				doc, err = d.GetAt(args[0], at)
			} else {
				doc, err = d.Get(args[0], branch)
			}
			if err != nil {
				return err
			}
			return printJSON(doc)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document (history is preserved)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			ctx := tx.With(cmd.Context(), cliCtx())
			existed, err := d.Delete(ctx, args[0], branch)
			if err != nil {
				return err
			}
			if !existed {
				fmt.Println("not found")
				return nil
			}
			fmt.Println("deleted")
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List the documents of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetBool("prefix")
		return withDB(cmd, func(d *db.DB, branch string) error {
			var docs []types.Document
			var err error
			if prefix {
				docs, err = d.ListByPrefix(args[0], branch)
			} else {
				docs, err = d.ListByTable(args[0], branch)
			}
			if err != nil {
				return err
			}
			return printJSON(docs)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show every revision of a document, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			entries, err := d.History(args[0], branch)
			if err != nil {
				return err
			}
			return printJSON(entries)
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <id> <commit1> <commit2>",
	Short: "Diff a document between two commits",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			diff, err := d.Diff(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(diff)
		})
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			branches, err := d.ListBranches()
			if err != nil {
				return err
			}
			return printJSON(branches)
		})
	},
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a branch from the current head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			return d.CreateBranch(args[0], branch)
		})
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			return d.DeleteBranch(args[0])
		})
	},
}

var branchMergeCmd = &cobra.Command{
	Use:   "merge <source>",
	Short: "Merge a branch into the current one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			commit, err := d.Merge(args[0], branch)
			if err != nil {
				return err
			}
			fmt.Println(commit)
			return nil
		})
	},
}

func init() {
	getCmd.Flags().String("at", "", "Read the document as of a commit id")
	listCmd.Flags().Bool("prefix", false, "Treat the argument as an id prefix instead of a table name")
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchDeleteCmd)
	branchCmd.AddCommand(branchMergeCmd)
}
