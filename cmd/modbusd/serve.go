package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	modbus "github.com/edgeo-scada/modbusd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Modbus TCP server",
	Long: `Run the Modbus TCP server until interrupted.

The register store is created with the configured sizes. Unless it was
restored from a persisted file or a snapshot file, every cell is set to its
fill value and the optional seed file is applied on top. With a snapshot
file, a consistent copy of the store is written back at shutdown.`,
	Example: `  modbusd serve
  modbusd serve --address 127.0.0.1 --port 5020
  modbusd serve --persistence file --persistence-path /var/lib/modbusd/regs.bin
  modbusd serve --snapshot-file /var/lib/modbusd/snapshot.bin
  MODBUSD_STORE_SIZES_HOLDING_REGISTERS=1000 modbusd serve`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("address", "0.0.0.0", "Listen address")
	f.IntP("port", "p", modbus.DefaultPort, "Listen port")
	f.Int("max-conns", 100, "Maximum concurrent sessions (0 = unlimited)")
	f.Duration("idle-timeout", modbus.DefaultIdleTimeout, "Close sessions idle for this long (0 = never)")
	f.String("seed", "", "JSON seed file applied after fill")
	f.String("snapshot-file", "", "Restore the store from this file at startup and save it at shutdown")
	f.String("persistence", modbus.StorageMemory, "Store persistence: memory, file, mmap")
	f.String("persistence-path", "", "Store file for file/mmap persistence")
	f.Duration("metrics-interval", 0, "Log server metrics at this interval (0 = off)")

	viper.BindPFlag("listen.address", f.Lookup("address"))
	viper.BindPFlag("listen.port", f.Lookup("port"))
	viper.BindPFlag("server.max_conns", f.Lookup("max-conns"))
	viper.BindPFlag("server.idle_timeout", f.Lookup("idle-timeout"))
	viper.BindPFlag("store.seed", f.Lookup("seed"))
	viper.BindPFlag("store.snapshot_file", f.Lookup("snapshot-file"))
	viper.BindPFlag("store.persistence.type", f.Lookup("persistence"))
	viper.BindPFlag("store.persistence.path", f.Lookup("persistence-path"))
	viper.BindPFlag("metrics.interval", f.Lookup("metrics-interval"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cfg.Store.SnapshotFile != "" {
			if err := saveSnapshot(store, cfg.Store.SnapshotFile); err != nil {
				logger.Error("snapshot save failed", slog.String("error", err.Error()))
			} else {
				logger.Info("snapshot saved", slog.String("path", cfg.Store.SnapshotFile))
			}
		}
		if err := store.Close(); err != nil {
			logger.Error("store close failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("device identity",
		slog.String("vendor_name", cfg.Identity.VendorName),
		slog.String("product_code", cfg.Identity.ProductCode),
		slog.String("model_name", cfg.Identity.ModelName),
		slog.String("revision", cfg.Identity.Revision))

	server := modbus.NewServer(store,
		modbus.WithServerLogger(logger),
		modbus.WithMaxConnections(cfg.Server.MaxConns),
		modbus.WithReadTimeout(cfg.Server.IdleTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Interval > 0 {
		go logMetrics(ctx, server.Metrics(), cfg.Metrics.Interval)
	}

	err = server.ListenAndServeContext(ctx, cfg.Listen.Addr())
	logger.Info("final metrics", slog.Any("metrics", server.Metrics().Collect()))
	return err
}

// openStore creates the register store described by cfg. A store restored
// from persisted data keeps its contents; a new one is filled and seeded.
func openStore(cfg StoreConfig, logger *slog.Logger) (*modbus.Store, error) {
	storage, err := modbus.NewStorage(cfg.Persistence.Type, cfg.Persistence.Path)
	if err != nil {
		return nil, err
	}

	store, err := modbus.NewStore(cfg.Sizes,
		modbus.WithStorage(storage),
		modbus.WithStoreLogger(logger))
	if err != nil {
		storage.Close()
		return nil, err
	}

	if store.Restored() {
		logger.Info("store restored",
			slog.String("type", cfg.Persistence.Type),
			slog.String("path", cfg.Persistence.Path))
		return store, nil
	}

	if cfg.SnapshotFile != "" {
		restored, err := restoreSnapshot(store, cfg.SnapshotFile)
		if err != nil {
			store.Close()
			return nil, err
		}
		if restored {
			logger.Info("store restored from snapshot", slog.String("path", cfg.SnapshotFile))
			return store, nil
		}
	}

	for _, sp := range modbus.Spaces {
		if err := store.Fill(sp, cfg.Fill.Value(sp)); err != nil {
			store.Close()
			return nil, err
		}
	}
	if cfg.Seed != "" {
		data, err := os.ReadFile(cfg.Seed)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("read seed: %w", err)
		}
		if err := modbus.ApplySeed(store, data); err != nil {
			store.Close()
			return nil, fmt.Errorf("%s: %w", cfg.Seed, err)
		}
	}

	logger.Info("store initialized",
		slog.Int("discrete_inputs", cfg.Sizes.DiscreteInputs),
		slog.Int("coils", cfg.Sizes.Coils),
		slog.Int("holding_registers", cfg.Sizes.HoldingRegisters),
		slog.Int("input_registers", cfg.Sizes.InputRegisters),
		slog.String("persistence", cfg.Persistence.Type))
	return store, nil
}

// restoreSnapshot loads path into store. A missing file is not an error
// and leaves the store untouched.
func restoreSnapshot(store *modbus.Store, path string) (bool, error) {
	snap, err := modbus.ReadSnapshotFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := store.Restore(snap); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

// saveSnapshot writes a consistent copy of every space to path.
func saveSnapshot(store *modbus.Store, path string) error {
	return modbus.WriteSnapshotFile(path, store.Snapshot())
}

func logMetrics(ctx context.Context, m *modbus.ServerMetrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("metrics",
				slog.Int64("requests", m.RequestsTotal.Value()),
				slog.Int64("exceptions", m.Exceptions.Value()),
				slog.Int64("frame_errors", m.FrameErrors.Value()),
				slog.Int64("active_sessions", m.ActiveSessions.Value()),
				slog.Int64("total_sessions", m.TotalSessions.Value()),
				slog.Duration("latency_avg", m.Latency.Stats().Avg))
		}
	}
}
