package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rechain/rechain/internal/config"
	"github.com/rechain/rechain/internal/consensus"
	"github.com/rechain/rechain/internal/crypto"
	"github.com/rechain/rechain/internal/node"
	"github.com/rechain/rechain/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "rechain-node",
		Short: "REChain permissioned blockchain node",
	}

	root.AddCommand(
		generateTemplateCmd(),
		generateConfigCmd(),
		finalizeCmd(),
		runCmd(),
		maintenanceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// nodeKeys is the on-disk shape of the key material `generate-config`
// produces for one validator: its two Ed25519 secrets, hex-encoded. Kept
// local to the CLI rather than added to internal/crypto's JSON surface, so
// a secret key never picks up an accidental (de)serialization path in the
// core.
type nodeKeys struct {
	ConsensusSecret string `json:"consensus_secret"`
	ServiceSecret   string `json:"service_secret"`
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// generate-template writes a genesis skeleton with default consensus
// parameters and the requested services, and an empty validator list for
// each operator's `generate-config` run to extend.
func generateTemplateCmd() *cobra.Command {
	var services []string
	cmd := &cobra.Command{
		Use:   "generate-template [output-path]",
		Short: "Write a genesis template shared by every validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl := &config.Genesis{
				Validators: []config.ValidatorKey{},
				Consensus:  config.DefaultConsensusParams(),
			}
			for _, spec := range services {
				var id int
				var name string
				if _, err := fmt.Sscanf(spec, "%d:%s", &id, &name); err != nil {
					return fmt.Errorf("invalid --service %q, want ID:NAME: %w", spec, err)
				}
				tpl.Services = append(tpl.Services, config.ServiceConfig{ID: uint16(id), Name: name})
			}
			tpl.SortServices()
			return writeJSON(args[0], tpl)
		},
	}
	cmd.Flags().StringSliceVar(&services, "service", nil, "service to register, ID:NAME (repeatable)")
	return cmd
}

// generate-config is run once per validator: it creates a fresh consensus
// and service Ed25519 keypair, writes the secret half to a private keys
// file and the public half (plus this operator's listen address) to a
// pub-config file meant to be shared with every other validator ahead of
// `finalize`.
func generateConfigCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "generate-config [template] [output-dir]",
		Short: "Generate this validator's keys and public config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir := args[1]

			consensusKP, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate consensus keypair: %w", err)
			}
			serviceKP, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate service keypair: %w", err)
			}

			keys := nodeKeys{
				ConsensusSecret: hex.EncodeToString(consensusKP.Secret[:]),
				ServiceSecret:   hex.EncodeToString(serviceKP.Secret[:]),
			}
			if err := writeJSON(filepath.Join(outDir, "keys.json"), keys); err != nil {
				return err
			}

			pub := pubConfig{
				ListenAddress: listenAddr,
				Validator: config.ValidatorKey{
					ConsensusKey: consensusKP.Public,
					ServiceKey:   serviceKP.Public,
				},
			}
			if err := writeJSON(filepath.Join(outDir, "pub.json"), pub); err != nil {
				return err
			}

			nc := config.DefaultNodeConfig()
			nc.Network.ListenAddress = listenAddr
			if err := writeJSON(filepath.Join(outDir, "node.json"), nc); err != nil {
				return err
			}

			fmt.Printf("wrote %s/{keys,pub,node}.json\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-address", "0.0.0.0:26656", "this validator's public listen address")
	return cmd
}

type pubConfig struct {
	ListenAddress string              `json:"listen_address"`
	Validator     config.ValidatorKey `json:"validator"`
}

// finalize combines the genesis template with every validator's pub-config
// (including this node's own) into the final genesis every node runs with.
func finalizeCmd() *cobra.Command {
	var pubPaths []string
	cmd := &cobra.Command{
		Use:   "finalize [template] [output-genesis]",
		Short: "Merge every validator's public config into the final genesis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var genesis config.Genesis
			if err := readJSON(args[0], &genesis); err != nil {
				return err
			}

			pubs := make([]pubConfig, 0, len(pubPaths))
			for _, p := range pubPaths {
				var pc pubConfig
				if err := readJSON(p, &pc); err != nil {
					return err
				}
				pubs = append(pubs, pc)
			}
			sort.Slice(pubs, func(i, j int) bool {
				return pubs[i].Validator.ConsensusKey.String() < pubs[j].Validator.ConsensusKey.String()
			})
			for _, pc := range pubs {
				genesis.Validators = append(genesis.Validators, pc.Validator)
			}

			if err := genesis.Validate(); err != nil {
				return fmt.Errorf("finalize: %w", err)
			}
			return writeJSON(args[1], &genesis)
		},
	}
	cmd.Flags().StringSliceVar(&pubPaths, "pub", nil, "path to a validator's pub.json (repeatable, include your own)")
	cmd.MarkFlagRequired("pub")
	return cmd
}

// run opens the store, bootstraps or resumes the node, and blocks serving
// consensus and transport until interrupted.
func runCmd() *cobra.Command {
	var nodeConfigPath, genesisPath, keysPath string
	var auditor bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := config.LoadNodeConfig(nodeConfigPath)
			if err != nil {
				return err
			}

			genesisData, err := os.ReadFile(genesisPath)
			if err != nil {
				return fmt.Errorf("read genesis %q: %w", genesisPath, err)
			}
			genesis, err := config.ParseGenesis(genesisData)
			if err != nil {
				return err
			}

			identity := node.Identity{IsAuditor: auditor}
			if !auditor {
				var keys nodeKeys
				if err := readJSON(keysPath, &keys); err != nil {
					return err
				}
				secretBytes, err := hex.DecodeString(keys.ConsensusSecret)
				if err != nil {
					return fmt.Errorf("decode consensus secret: %w", err)
				}
				if len(secretBytes) != crypto.SecretKeySize {
					return fmt.Errorf("consensus secret must be %d bytes, got %d", crypto.SecretKeySize, len(secretBytes))
				}
				copy(identity.ConsensusSecret[:], secretBytes)
			}

			st, err := store.Open(nc.Storage.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := log.New(os.Stderr, "rechain-node: ", log.LstdFlags)
			n, err := node.New(nc, genesis, st, identity, logger)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Println("shutting down")
				n.Stop()
			}()

			return n.Run()
		},
	}
	cmd.Flags().StringVar(&nodeConfigPath, "node-config", "", "path to node.json/yaml")
	cmd.Flags().StringVar(&genesisPath, "genesis", "genesis.json", "path to the finalized genesis")
	cmd.Flags().StringVar(&keysPath, "keys", "keys.json", "path to this validator's keys.json")
	cmd.Flags().BoolVar(&auditor, "auditor", false, "run as a non-validating auditor")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Offline maintenance operations",
	}
	var nodeConfigPath string
	clearCache := &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop the consensus message cache without touching committed blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := config.LoadNodeConfig(nodeConfigPath)
			if err != nil {
				return err
			}
			st, err := store.Open(nc.Storage.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := consensus.ClearMessageCache(st); err != nil {
				return err
			}
			fmt.Println("consensus message cache cleared")
			return nil
		},
	}
	clearCache.Flags().StringVar(&nodeConfigPath, "node-config", "", "path to node.json/yaml")
	cmd.AddCommand(clearCache)
	return cmd
}
