package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	config "failoverd/configs"
)

// cli holds the root flags. They override the config file and environment
// only when given explicitly.
type cli struct {
	configFile    string
	cluster       string
	identity      string
	address       string
	apiPort       int
	backend       string
	etcdEndpoints []string
	consulAddr    string
	interval      time.Duration
	logLevel      string
	logEncoding   string

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "failoverd",
		Short: "Master/slave failover coordinator",
		Long: `failoverd keeps exactly one node of a cluster in the master role.

Every node campaigns for a lock held in etcd or Consul. The holder promotes
its local application, the others replicate from it, and the role is
published as a tag in the service registry.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	host, _ := os.Hostname()
	f := root.PersistentFlags()
	f.StringVar(&c.configFile, "config", "", "TOML config file")
	f.StringVarP(&c.cluster, "cluster-name", "c", strings.TrimRight(host, "0123456789"), "Name of this cluster")
	f.StringVar(&c.identity, "identity", host, "Identity written into the lock; slaves replicate from it")
	f.StringVar(&c.address, "address", host, "Address published in the service registry")
	f.IntVarP(&c.apiPort, "api-port", "a", 8000, "HTTP port for the API server")
	f.StringVar(&c.backend, "backend", config.BackendEtcd, "Coordination backend: etcd or consul")
	f.StringSliceVar(&c.etcdEndpoints, "etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	f.StringVar(&c.consulAddr, "consul-addr", "127.0.0.1:8500", "Consul agent address")
	f.DurationVar(&c.interval, "interval", 2*time.Second, "Coordination tick interval")
	f.StringVarP(&c.logLevel, "log-level", "l", "info", "Log level: debug, info, warn, error")
	f.StringVar(&c.logEncoding, "log-encoding", "json", "Log encoding: json or console")

	root.AddCommand(
		newMySQLCmd(c),
		newRedisCmd(c),
		newScriptCmd(c),
		newFlagFileCmd(c),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(c.configFile)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("cluster-name") {
		cfg.Cluster = c.cluster
	}
	if f.Changed("identity") {
		cfg.Identity = c.identity
	}
	if f.Changed("address") {
		cfg.Address = c.address
	}
	if f.Changed("api-port") {
		cfg.APIPort = c.apiPort
	}
	if f.Changed("backend") {
		cfg.Backend.Kind = c.backend
	}
	if f.Changed("etcd-endpoints") {
		cfg.Backend.EtcdEndpoints = c.etcdEndpoints
	}
	if f.Changed("consul-addr") {
		cfg.Backend.ConsulAddress = c.consulAddr
	}
	if f.Changed("interval") {
		cfg.Loop.Interval = c.interval
	}
	if f.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if f.Changed("log-encoding") {
		cfg.Log.Encoding = c.logEncoding
	}
	c.cfg = cfg
	return nil
}
