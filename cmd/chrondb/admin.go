package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrondb/chrondb/pkg/db"
	"github.com/chrondb/chrondb/pkg/metrics"
)

var backupCmd = &cobra.Command{
	Use:   "backup <file>",
	Short: "Write a gzipped tar backup of the repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB, branch string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := d.Backup(f); err != nil {
				return err
			}
			fmt.Printf("backup written to %s\n", args[0])
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore a backup into an empty data directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		if err := db.Restore(cfg, f); err != nil {
			return err
		}
		fmt.Printf("restored into %s\n", cfg.RepoDir())
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return withDB(cmd, func(d *db.DB, branch string) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			fmt.Printf("serving metrics on %s/metrics\n", addr)
			return http.ListenAndServe(addr, mux)
		})
	},
}

func init() {
	metricsCmd.Flags().String("addr", "localhost:9090", "Listen address")
}
