// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// reamnode runs a single REAM node: create a fresh cluster, join an
// existing one through bootstrap addresses, or just serve and wait to be
// joined.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/revskill10/ream-sub002/config"
	"github.com/revskill10/ream-sub002/node"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	bindAddr   string
	algorithm  string
}

func rootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "reamnode",
		Short:         "REAM distributed actor runtime node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a JSON or YAML node configuration")
	root.PersistentFlags().StringVar(&opts.bindAddr, "bind", "", "listen address, overriding the configuration")
	root.PersistentFlags().StringVar(&opts.algorithm, "consensus", "", "consensus algorithm (raft or pbft), overriding the configuration")

	root.AddCommand(createClusterCommand(opts))
	root.AddCommand(joinClusterCommand(opts))
	root.AddCommand(serveCommand(opts))
	return root
}

func loadParameters(opts *options) (config.Parameters, error) {
	params := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Parameters{}, err
		}
		params = loaded
	}
	if opts.bindAddr != "" {
		params.BindAddress = opts.bindAddr
	}
	if opts.algorithm != "" {
		params.ConsensusAlgorithm = config.Algorithm(opts.algorithm)
	}
	if err := params.Valid(); err != nil {
		return config.Parameters{}, err
	}
	return params, nil
}

func startNode(opts *options) (*node.Node, error) {
	params, err := loadParameters(opts)
	if err != nil {
		return nil, err
	}
	n, err := node.New(params, log.NewLogger("reamnode"))
	if err != nil {
		return nil, err
	}
	if err := n.Start(); err != nil {
		return nil, err
	}
	return n, nil
}

// runUntilSignal blocks until SIGINT/SIGTERM, then stops the node.
func runUntilSignal(n *node.Node) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return n.Stop()
}

func createClusterCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create-cluster",
		Short: "Start a node and found a new single-member cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := startNode(opts)
			if err != nil {
				return err
			}
			if err := n.CreateCluster(); err != nil {
				n.Stop()
				return err
			}
			info := n.GetClusterInfo()
			fmt.Printf("cluster %s created, node %s listening on %s\n", info.ClusterID, n.ID(), n.Info().Address)
			return runUntilSignal(n)
		},
	}
}

func joinClusterCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "join-cluster <bootstrap-addr> [bootstrap-addr...]",
		Short: "Start a node and join an existing cluster",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := startNode(opts)
			if err != nil {
				return err
			}
			if err := n.JoinCluster(context.Background(), args); err != nil {
				n.Stop()
				return err
			}
			info := n.GetClusterInfo()
			fmt.Printf("joined cluster %s with %d members\n", info.ClusterID, len(info.Members))
			return runUntilSignal(n)
		},
	}
}

func serveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start a node without forming or joining a cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := startNode(opts)
			if err != nil {
				return err
			}
			fmt.Printf("node %s listening on %s\n", n.ID(), n.Info().Address)
			return runUntilSignal(n)
		},
	}
}
