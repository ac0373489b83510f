package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"failoverd/pkg/adapter"
	"failoverd/pkg/adapter/flagfile"
	"failoverd/pkg/adapter/mysql"
	"failoverd/pkg/adapter/redis"
	"failoverd/pkg/adapter/script"
	"failoverd/pkg/coordination"
)

func noClose() error { return nil }

func newMySQLCmd(c *cli) *cobra.Command {
	var (
		port      int
		databases []string
		dsn       string
		replUser  string
		replPass  string
	)
	cmd := &cobra.Command{
		Use:   "mysql",
		Short: "Coordinate a GTID replicated MySQL server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			f := cmd.Flags()
			if f.Changed("port") {
				cfg.MySQL.Port = port
			}
			if f.Changed("require-databases") {
				cfg.MySQL.RequireDatabases = databases
			}
			if f.Changed("dsn") {
				cfg.MySQL.DSN = dsn
			}
			if f.Changed("replication-user") {
				cfg.MySQL.ReplicationUser = replUser
			}
			if f.Changed("replication-password") {
				cfg.MySQL.ReplicationPassword = replPass
			}
			if cfg.AppPort == 0 {
				cfg.AppPort = cfg.MySQL.Port
			}

			return run(cfg, func(coord coordination.Coordinator, logger *zap.Logger) (adapter.Adapter, func() error, error) {
				a, err := mysql.Open(cfg.MySQL.DSN, mysql.Config{
					Identity:            cfg.Identity,
					Port:                cfg.MySQL.Port,
					RequireDatabases:    cfg.MySQL.RequireDatabases,
					ReplicationUser:     cfg.MySQL.ReplicationUser,
					ReplicationPassword: cfg.MySQL.ReplicationPassword,
				}, coord, logger)
				if err != nil {
					return nil, nil, err
				}
				return a, a.Close, nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&port, "port", "P", 3306, "MySQL port")
	f.StringSliceVarP(&databases, "require-databases", "d", []string{"mysql"}, "Health check requires these databases to be available")
	f.StringVar(&dsn, "dsn", "", "MySQL DSN used by failoverd")
	f.StringVarP(&replUser, "replication-user", "e", "replication", "Username for replication")
	f.StringVarP(&replPass, "replication-password", "r", "", "Password for replication")
	return cmd
}

func newRedisCmd(c *cli) *cobra.Command {
	var (
		port     int
		addr     string
		password string
	)
	cmd := &cobra.Command{
		Use:   "redis",
		Short: "Coordinate a Redis server with REPLICAOF",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			f := cmd.Flags()
			if f.Changed("port") {
				cfg.Redis.Port = port
			}
			if f.Changed("addr") {
				cfg.Redis.Addr = addr
			}
			if f.Changed("password") {
				cfg.Redis.Password = password
			}
			if cfg.AppPort == 0 {
				cfg.AppPort = cfg.Redis.Port
			}

			return run(cfg, func(_ coordination.Coordinator, logger *zap.Logger) (adapter.Adapter, func() error, error) {
				rc := redis.DefaultConfig(cfg.Redis.Addr)
				rc.Password = cfg.Redis.Password
				rc.Port = cfg.Redis.Port
				a := redis.New(rc, logger)
				return a, a.Close, nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&port, "port", "p", 6379, "Redis port used by replicas to reach the master")
	f.StringVar(&addr, "addr", "127.0.0.1:6379", "Address of the local Redis server")
	f.StringVar(&password, "password", "", "Redis password")
	return cmd
}

func newScriptCmd(c *cli) *cobra.Command {
	var (
		port                    int
		shell                   string
		health, promote, demote string
	)
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Coordinate an application through shell commands",
		Long: `Runs operator supplied commands through a shell. The demote command
receives the master host as $1 and in FAILOVER_MASTER. Exit status 3 from
promote or demote marks the application state as unrecoverable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			f := cmd.Flags()
			if f.Changed("port") {
				cfg.AppPort = port
			}
			if f.Changed("shell") {
				cfg.Script.Shell = shell
			}
			if f.Changed("health") {
				cfg.Script.Health = health
			}
			if f.Changed("promote") {
				cfg.Script.Promote = promote
			}
			if f.Changed("demote") {
				cfg.Script.Demote = demote
			}

			return run(cfg, func(_ coordination.Coordinator, logger *zap.Logger) (adapter.Adapter, func() error, error) {
				a, err := script.New(script.Config{
					Shell:   cfg.Script.Shell,
					Health:  cfg.Script.Health,
					Promote: cfg.Script.Promote,
					Demote:  cfg.Script.Demote,
				}, nil, logger)
				if err != nil {
					return nil, nil, err
				}
				return a, noClose, nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&port, "port", "p", 0, "Application port published in the registry")
	f.StringVar(&shell, "shell", "/bin/sh", "Shell used to run the commands")
	f.StringVar(&health, "health", "", "Health command, healthy when it exits 0")
	f.StringVar(&promote, "promote", "", "Command making this node the master")
	f.StringVar(&demote, "demote", "", "Command making this node replicate from $1")
	return cmd
}

func newFlagFileCmd(c *cli) *cobra.Command {
	var (
		port int
		flag string
	)
	cmd := &cobra.Command{
		Use:   "flagfile",
		Short: "Coordinate an application whose health is a flag file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			f := cmd.Flags()
			if f.Changed("service-flag") {
				cfg.FlagFile.ServiceFlag = flag
			}
			if f.Changed("port") || cfg.AppPort == 0 {
				cfg.AppPort = port
			}

			return run(cfg, func(coordination.Coordinator, *zap.Logger) (adapter.Adapter, func() error, error) {
				return flagfile.New(cfg.FlagFile.ServiceFlag), noClose, nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&port, "port", "p", 8080, "Application port published in the registry")
	f.StringVar(&flag, "service-flag", "/var/tmp/in_service", "Healthy while this file exists")
	return cmd
}
