// Command openodind runs the OpenOdin storage engine as a standalone
// process and exposes a handful of operational subcommands for local
// debugging.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openodin/core/internal/blobstore"
	"github.com/openodin/core/internal/engine"
	"github.com/openodin/core/internal/nodedb"
	"github.com/openodin/core/internal/offload"
	"github.com/openodin/core/internal/scheduler"
	"github.com/openodin/core/internal/wire"
	"github.com/openodin/core/pkg/config"
)

func main() {
	_ = godotenv.Load(".env")

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "openodind: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	root := &cobra.Command{Use: "openodind"}
	root.AddCommand(serveCmd())
	root.AddCommand(storeCmd())
	root.AddCommand(fetchCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		zap.L().Sugar().Fatalf("openodind: %v", err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the config schema version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.Version)
		},
	}
}

// openEngine wires an Engine from the loaded config, grounded on
// internal/engine.New's four-backend constructor.
func openEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	nodes, err := nodedb.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("openodind: open node db: %w", err)
	}
	blobs, err := blobstore.OpenWithDB(nodes.SQL())
	if err != nil {
		nodes.Close()
		return nil, nil, fmt.Errorf("openodind: open blob store: %w", err)
	}
	pool := offload.New(cfg.Offload.Workers)
	sweep := time.Duration(cfg.Scheduler.SweepIntervalMS) * time.Millisecond
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	sched := scheduler.New(sweep)

	e := engine.New(nodes, blobs, pool, sched)
	closeFn := func() {
		sched.Close()
		pool.Close()
		nodes.Close()
	}
	return e, closeFn, nil
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the storage engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			_, closeFn, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			zap.L().Sugar().Infof("openodind: engine ready (configured listen address %s, no listener opened), db %s", cfg.Listen.Address, cfg.Storage.DBPath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			zap.L().Sugar().Info("openodind: shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name (merged over default)")
	return cmd
}

func storeCmd() *cobra.Command {
	var env, nodeFile, sourceHex, targetHex string
	cmd := &cobra.Command{
		Use:   "store [node-file]",
		Short: "store one RLP-encoded node from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeFile = args[0]
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			raw, err := os.ReadFile(nodeFile)
			if err != nil {
				return fmt.Errorf("openodind: read node file: %w", err)
			}
			source, err := decodeHexOrEmpty(sourceHex)
			if err != nil {
				return err
			}
			target, err := decodeHexOrEmpty(targetHex)
			if err != nil {
				return err
			}

			reply, err := e.Store(context.Background(), wire.StoreRequest{
				Nodes:           [][]byte{raw},
				SourcePublicKey: source,
				TargetPublicKey: target,
			})
			if err != nil {
				return err
			}
			fmt.Printf("status=%s inserted=%d\n", reply.Status, len(reply.InsertedID1s))
			for _, id := range reply.InsertedID1s {
				fmt.Printf("  %s\n", hex.EncodeToString(id[:]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name")
	cmd.Flags().StringVar(&sourceHex, "source", "", "hex-encoded source public key")
	cmd.Flags().StringVar(&targetHex, "target", "", "hex-encoded target public key")
	return cmd
}

func fetchCmd() *cobra.Command {
	var env, parentHex, sourceHex, targetHex string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "fetch the immediate children of a parent node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			parent, err := decodeHexOrEmpty(parentHex)
			if err != nil {
				return err
			}
			source, err := decodeHexOrEmpty(sourceHex)
			if err != nil {
				return err
			}
			target, err := decodeHexOrEmpty(targetHex)
			if err != nil {
				return err
			}

			return e.Fetch(context.Background(), wire.FetchRequest{
				Query: wire.FetchQuery{ParentID: parent, Depth: 0},
			}, source, target, func(fr wire.FetchResponse) error {
				fmt.Printf("status=%s nodes=%d seq=%d/%d\n", fr.Status, len(fr.Nodes), fr.Seq, fr.EndSeq)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name")
	cmd.Flags().StringVar(&parentHex, "parent", "", "hex-encoded parent node id1")
	cmd.Flags().StringVar(&sourceHex, "source", "", "hex-encoded source public key")
	cmd.Flags().StringVar(&targetHex, "target", "", "hex-encoded target public key")
	return cmd
}

func decodeHexOrEmpty(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("openodind: decode hex %q: %w", s, err)
	}
	return b, nil
}
