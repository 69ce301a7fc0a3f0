// Command recordlogd runs one node of the replicated record-log
// cluster: an HTTP server dispatching to a local Collection Store tree,
// coordinating with its peers via the hash ring.
//
// Grounded on the teacher's cmd/server/main.go (log.Fatal(srv.ListenAndServe())),
// generalized to a cobra root command carrying the node/cluster flags
// the design doc's CLI entrypoint design note calls for.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andreib/recordlog/internal/api"
	"github.com/andreib/recordlog/internal/authtoken"
	"github.com/andreib/recordlog/internal/cluster"
	"github.com/andreib/recordlog/internal/config"
	"github.com/andreib/recordlog/internal/logging"
	"github.com/andreib/recordlog/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		dir      string
		node     string
		peers    string
		backups  int
		dev      bool
		tokenTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recordlogd",
		Short: "Run a node of the replicated record-log cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Node{
				Addr:     addr,
				Dir:      dir,
				Name:     node,
				Peers:    config.ParsePeers(peers),
				Backups:  backups,
				TokenTTL: tokenTTL,
			}
			if cfg.Name == "" {
				cfg.Name = cfg.Addr
			}
			if len(cfg.Peers) == 0 {
				cfg.Peers = []string{cfg.Name}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg, dev)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&dir, "dir", "data", "root directory for this node's storage")
	cmd.Flags().StringVar(&node, "node", "", "this node's identifier in the hash ring (defaults to --addr)")
	cmd.Flags().StringVar(&peers, "peers", "", "comma-separated cluster node identifiers, including this one")
	cmd.Flags().IntVar(&backups, "backups", 2, "number of backup replicas per collection")
	cmd.Flags().BoolVar(&dev, "dev", false, "use human-readable development logging")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", time.Hour, "how long a minted auth token remains valid")

	return cmd
}

func run(cfg config.Node, dev bool) error {
	logger, err := logging.New(dev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	storage, err := store.NewUserStorage(cfg.Dir)
	if err != nil {
		return err
	}

	minter, err := authtoken.Open(filepath.Join(cfg.Dir, "auth_secret.txt"))
	if err != nil {
		return err
	}

	coord := cluster.New(cfg.Name, storage, cfg.Peers, cfg.Backups, logger)
	srv := api.New(coord, minter, logger, cfg.TokenTTL)

	logger.Info("starting recordlogd",
		zap.String("node", cfg.Name),
		zap.String("addr", cfg.Addr),
	)
	return http.ListenAndServe(cfg.Addr, srv.Router())
}
