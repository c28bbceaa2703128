// Package main provides the entry point for the Space Data Network witness.
// A witness replicates the tamper-evident logs of the peers it audits and
// files evidence when one of them misbehaves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-witness/internal/config"
	"github.com/spacedatanetwork/sdn-witness/internal/node"
)

var log = logging.Logger("sdn")

var rootCmd = &cobra.Command{
	Use:   "sdn-witness",
	Short: "Space Data Network witness - accountable audits of peer logs",
	Long: `sdn-witness audits the tamper-evident logs of Space Data Network peers.
It challenges each witnessed peer for its log, checks the disclosed entries
against the authenticators the peer signed, and files self-checking evidence
when a peer stays silent, forks its log or diverges from its state machine.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the witness daemon",
	Long:  `Start the witness daemon and audit every witnessed peer.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize witness configuration",
	Long:  `Write the default configuration and create the node identity key.`,
	RunE:  runInit,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(snippetCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Info("Starting witness daemon...")
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}

	log.Infof("Peer ID: %s", n.PeerID())
	for _, addr := range n.ListenAddrs() {
		log.Infof("Listening on: %s", addr)
	}
	for _, id := range n.Registry().WitnessedSubjects() {
		log.Infof("Witnessing: %s", id)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	return n.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	privKey, err := node.LoadOrCreateKey(node.KeyPath(cfg.Storage.Path))
	if err != nil {
		return err
	}
	id, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("failed to derive peer ID: %w", err)
	}

	log.Infof("Initialized witness configuration at %s", path)
	fmt.Fprintf(cmd.OutOrStdout(), "peer id: %s\n", id)
	return nil
}
