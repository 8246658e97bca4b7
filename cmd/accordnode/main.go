// Command accordnode is the host-embedding agent's reference CLI
// surface for the protocol core, spec §6 "CLI / config surface
// (agent-facing)". It wires a node.Directory, cluster.Cluster
// transport, topology.Manager, coordinator.Coordinator,
// recovery.Coordinator and progresslog.ProgressLog together from flags
// and drives one client-submitted transaction through the full
// pipeline.
//
// The teacher has no equivalent binary at all (bdeggleston-kickboxerdb
// is a library plus a redis front-end); this command's cmd/ layout and
// flag-to-service wiring is grounded on johnjansen-torua's
// cmd/coordinator and cmd/node mains, using cobra (carried by
// AKJUS-bsc-erigon's go.mod) instead of torua's flag/env-var
// approach, per SPEC_FULL.md's ambient-stack section.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"
	"github.com/spf13/cobra"

	"github.com/bdeggleston/accord/cluster"
	"github.com/bdeggleston/accord/config"
	"github.com/bdeggleston/accord/coordinator"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/node"
	"github.com/bdeggleston/accord/progresslog"
	"github.com/bdeggleston/accord/recovery"
	"github.com/bdeggleston/accord/topology"
	"github.com/bdeggleston/accord/txnid"
)

var logger = logging.MustGetLogger("accordnode")

// tcpDialer implements cluster.Dialer over real TCP connections.
type tcpDialer struct{ timeout time.Duration }

func (d tcpDialer) Dial(addr string) (cluster.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, d.timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeIdFlag  uint64
		peersFlag   []string
		poolSize    int
		txnKeyFlag  string
		txnBodyFlag string
		logLevel    string
		statsdAddr  string
	)

	root := &cobra.Command{
		Use:   "accordnode",
		Short: "Reference agent wiring for the Accord-style transaction protocol core",
	}

	run := &cobra.Command{
		Use:   "submit",
		Short: "Coordinate a single transaction against a configured peer set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setLogLevel(logLevel); err != nil {
				return err
			}

			self := txnid.NodeId(nodeIdFlag)
			dir, shard, err := buildDirectory(self, peersFlag)
			if err != nil {
				return err
			}

			stats, err := newStats(statsdAddr)
			if err != nil {
				return fmt.Errorf("accordnode: build statsd client: %w", err)
			}

			cl, err := cluster.New(self, dir, tcpDialer{timeout: 2 * time.Second}, poolSize, stats)
			if err != nil {
				return fmt.Errorf("accordnode: build cluster: %w", err)
			}
			defer cl.Close()

			tm := topology.NewManager(self)
			if err := tm.Receive(topology.NewTopology(1, shard), shard.Nodes); err != nil {
				return fmt.Errorf("accordnode: install topology: %w", err)
			}

			cfg := config.Default()
			coord := coordinator.New(self, cl, tm)
			rec := recovery.New(self, cl)
			onOutcome := func(txnId txnid.TxnId, outcome recovery.Outcome) {
				logger.Infof("recovery settled %s: applied=%v invalidated=%v", txnId, outcome.Applied, outcome.Invalidated)
			}
			plog := progresslog.New(time.Now(), rec, cfg.RetryAwaitTimeout, onOutcome)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.LocalExpiresAt)
			defer cancel()

			clock := newHLCSeed()
			txnId := txnid.New(1, clock, txnid.Write, txnid.DomainKey, self)
			route := keys.NewKeyRoute(keys.Key(txnKeyFlag), keys.NewKeys(keys.Key(txnKeyFlag)))

			plog.Track(time.Now(), txnId, route, topology.NewTopologies(topology.NewTopology(1, shard)))
			result, err := coord.Coordinate(ctx, txnId, []byte(txnBodyFlag), route)
			plog.Cancel(txnId)
			if err != nil {
				return fmt.Errorf("accordnode: coordinate %s: %w", txnId, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s applied: %s\n", txnId, result)
			return nil
		},
	}
	run.Flags().Uint64Var(&nodeIdFlag, "node-id", 1, "this node's id")
	run.Flags().StringArrayVar(&peersFlag, "peer", nil, "peer as id=host:port, repeatable; must include --node-id's own address")
	run.Flags().IntVar(&poolSize, "pool-size", 32, "max pooled outbound connections")
	run.Flags().StringVar(&txnKeyFlag, "key", "k", "the single key this transaction touches")
	run.Flags().StringVar(&txnBodyFlag, "txn", "", "opaque transaction body to submit")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "op/go-logging level name")
	run.Flags().StringVar(&statsdAddr, "statsd-addr", "", "statsd server address (host:port); cluster transport metrics are dropped if empty")

	root.AddCommand(run)
	return root
}

// buildDirectory parses --peer entries into a node.Directory and a
// single full-keyspace shard owned by every named peer, since this
// reference CLI has no real configuration service (spec §1) to learn
// topology from.
func buildDirectory(self txnid.NodeId, peers []string) (*node.Directory, topology.Shard, error) {
	dir := node.NewDirectory()
	var nodes []txnid.NodeId
	for _, p := range peers {
		idStr, addr, ok := strings.Cut(p, "=")
		if !ok {
			return nil, topology.Shard{}, fmt.Errorf("accordnode: malformed --peer %q, want id=host:port", p)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, topology.Shard{}, fmt.Errorf("accordnode: malformed --peer id %q: %w", idStr, err)
		}
		nid := txnid.NodeId(id)
		dir.Put(node.Info{Id: nid, Addr: addr, Status: node.Up})
		nodes = append(nodes, nid)
	}
	if len(nodes) == 0 {
		return nil, topology.Shard{}, fmt.Errorf("accordnode: at least one --peer is required")
	}

	shard := topology.Shard{
		Range:              keys.Range{Start: "", End: "\xff"},
		Nodes:              nodes,
		FastPathElectorate: nodes,
	}
	return dir, shard, nil
}

// newStats builds the statsd client the cluster transport times its
// sends and acks through (spec §4.12's per-send/per-ack metrics). An
// empty addr means no statsd server was configured, and cluster.New's
// own noop Stats is used instead.
func newStats(addr string) (cluster.Stats, error) {
	if addr == "" {
		return nil, nil
	}
	return statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: addr,
		Prefix:  "accordnode",
	})
}

// newHLCSeed stands in for a node's own hlc.Clock.Now() sample; kept
// as a tiny seam here (rather than importing hlc directly into this
// one-shot CLI) since a long-running agent would instead hold one
// *hlc.Clock for the process lifetime and call Now() per submission.
func newHLCSeed() uint64 {
	return uint64(time.Now().UnixNano())
}

func setLogLevel(name string) error {
	level, err := logging.LogLevel(name)
	if err != nil {
		return fmt.Errorf("accordnode: %w", err)
	}
	logging.SetLevel(level, "")
	return nil
}
