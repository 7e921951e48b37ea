// cmd/dc-recover is the CLI entry point for the cross-DC replica recovery
// engine.
//
// Usage:
//
//	dc-recover dc --remote host:port --groups 1,2,3 --routes routes.yaml \
//	    --batch-size 1024 --dir /var/tmp --nprocess 4 --log-level info \
//	    --stat text [--dry-run] [--diag-addr :9100]
//	dc-recover simulate --routes routes.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dc-recover/internal/diag"
	"dc-recover/internal/pool"
	"dc-recover/internal/reconcile"
	"dc-recover/internal/routing"
	"dc-recover/internal/stats"
	"dc-recover/internal/storeclient"
	"dc-recover/internal/storeclient/httptransport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runFlags struct {
	remote               string
	groups               []string
	routesPath           string
	timestamp            int64
	batchSize            int
	tmpDir               string
	nprocess             int
	logLevel             string
	statMode             string
	dryRun               bool
	diagAddr             string
	legacyByteAccounting bool
}

func main() {
	root := &cobra.Command{
		Use:   "dc-recover",
		Short: "Cross-datacenter replica recovery engine",
	}
	root.AddCommand(dcCmd(), mergeCmd(), simulateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dcCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "dc",
		Short: "Recover replicas across datacenters for one node's owned ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDC(f)
		},
	}
	bindRunFlags(cmd, f)
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Recover replicas within a single group (not implemented in this engine)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("merge recovery mode is not implemented in this engine")
		},
	}
}

func simulateCmd() *cobra.Command {
	var routesPath string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Validate a routes.yaml fixture by loading it",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := routing.LoadStaticTable(routesPath)
			if err != nil {
				return err
			}
			fmt.Printf("loaded routing fixture %s successfully\n", routesPath)
			_ = table
			return nil
		},
	}
	cmd.Flags().StringVar(&routesPath, "routes", "", "path to a routes.yaml fixture")
	cmd.MarkFlagRequired("routes")
	return cmd
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVar(&f.remote, "remote", "", "this node's own address (host:port)")
	cmd.Flags().StringSliceVar(&f.groups, "groups", nil, "comma-separated replication group ids to recover (default: all)")
	cmd.Flags().StringVar(&f.routesPath, "routes", "", "path to a routes.yaml fixture describing the cluster")
	cmd.Flags().Int64Var(&f.timestamp, "timestamp", 0, "recovery floor, as a unix timestamp")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 1024, "keys per bulk read/write round trip")
	cmd.Flags().StringVar(&f.tmpDir, "dir", os.TempDir(), "directory for iterator result temp files")
	cmd.Flags().IntVar(&f.nprocess, "nprocess", 1, "maximum number of ranges to process concurrently")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.statMode, "stat", "text", "stats output mode: text or none")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "compute the recovery plan but do not write")
	cmd.Flags().StringVar(&f.diagAddr, "diag-addr", "", "if set, serve /healthz, /stats and /metrics on this address")
	cmd.Flags().BoolVar(&f.legacyByteAccounting, "legacy-byte-accounting", false, "reproduce a historical recovered_bytes accounting quirk")

	cmd.MarkFlagRequired("remote")
	cmd.MarkFlagRequired("routes")
}

func runDC(f *runFlags) error {
	log, err := newLogger(f.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()
	sugar := log.Sugar()

	table, err := routing.LoadStaticTable(f.routesPath)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}

	groups, err := parseGroups(f.groups)
	if err != nil {
		return err
	}

	sink := stats.New(prometheus.DefaultRegisterer)

	rc := &routing.Context{
		Address:              f.remote,
		Groups:               groups,
		Timestamp:            time.Unix(f.timestamp, 0),
		BatchSize:            f.batchSize,
		TmpDir:               f.tmpDir,
		NProcess:             f.nprocess,
		DryRun:               f.dryRun,
		LegacyByteAccounting: f.legacyByteAccounting,
		Routes:               table,
		Stats:                sink,
		Log:                  sugar,
	}
	if err := rc.Validate(); err != nil {
		return err
	}

	var diagServer *diag.Server
	if f.diagAddr != "" {
		diagServer = diag.New(f.diagAddr, sink, sugar)
		go func() {
			if err := diagServer.ListenAndServe(); err != nil {
				sugar.Errorw("diagnostics server stopped", "error", err)
			}
		}()
	}

	dialNode := func(address string) (storeclient.Node, error) {
		return httptransport.NewNode(address, 30*time.Second), nil
	}
	dialIterator := func(address string) (storeclient.IteratorClient, error) {
		return httptransport.NewIterator(httptransport.NewNode(address, 30*time.Second)), nil
	}
	reconciler := reconcile.New(dialNode, dialIterator)

	ok, err := pool.Run(context.Background(), rc, reconciler)
	if err != nil {
		return err
	}

	if diagServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		diagServer.Shutdown(ctx)
	}

	if f.statMode == "text" {
		fmt.Println(sink.Text())
	}

	if !ok {
		return fmt.Errorf("recovery completed with failures")
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		lvl = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func parseGroups(raw []string) ([]uint32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uint32, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid group id %q: %w", s, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
