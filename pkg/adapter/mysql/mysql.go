// Package mysql drives a GTID replicated MySQL server between master and
// slave.
//
// A writable server publishes its executed GTID set to the shared KV store
// on every health check. A node taking over refuses to stop replication while the previous master has
// published transactions it has not applied yet.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	drv "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"failoverd/pkg/adapter"
	"failoverd/pkg/coordination"
)

// ErrMasterAhead is returned by EnsureMaster while the previous master has
// transactions this server has not executed.
var ErrMasterAhead = errors.New("previous master is ahead")

type Config struct {
	Identity            string
	Port                int
	RequireDatabases    []string
	ReplicationUser     string
	ReplicationPassword string
}

type Adapter struct {
	db     *sqlx.DB
	kv     coordination.KV
	cfg    Config
	logger *zap.Logger
}

// Open connects to the server described by dsn. Connections are opened
// lazily, so an unreachable server only shows up as failed health checks.
func Open(dsn string, cfg Config, kv coordination.KV, logger *zap.Logger) (*Adapter, error) {
	dc, err := drv.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	if dc.Timeout == 0 {
		dc.Timeout = 2 * time.Second
	}
	db, err := sqlx.Open("mysql", dc.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	return New(db, cfg, kv, logger), nil
}

func New(db *sqlx.DB, cfg Config, kv coordination.KV, logger *zap.Logger) *Adapter {
	return &Adapter{db: db, kv: kv, cfg: cfg, logger: logger}
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) Health(ctx context.Context) (bool, string) {
	var databases []string
	if err := a.db.SelectContext(ctx, &databases, "SHOW DATABASES"); err != nil {
		return false, fmt.Sprintf("Error running SHOW DATABASES: %v", err)
	}
	if len(databases) == 0 {
		return false, "SHOW DATABASES returned nothing"
	}
	a.publishIfWritable(ctx)

	have := make(map[string]bool, len(databases))
	for _, d := range databases {
		have[d] = true
	}
	var missing []string
	for _, d := range a.cfg.RequireDatabases {
		if !have[d] {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return false, "The following databases are missing on this server: " + strings.Join(missing, ", ")
	}
	return true, "MySQL serving required databases: " + strings.Join(a.cfg.RequireDatabases, ", ")
}

func (a *Adapter) EnsureMaster(ctx context.Context) error {
	if err := a.postTransactions(ctx); err != nil {
		return err
	}

	status, err := a.slaveStatus(ctx)
	if err != nil {
		return err
	}

	if status != nil {
		host := status["Master_Host"]
		if host != "" && host != a.cfg.Identity {
			ahead, err := a.masterIsAhead(ctx, host)
			if err != nil {
				return err
			}
			if ahead {
				a.logger.Info("Previous master still ahead, waiting to catch up", zap.String("master", host))
				return fmt.Errorf("%w: %s", ErrMasterAhead, host)
			}
		}
	}

	if err := a.setReadOnly(ctx, false); err != nil {
		return err
	}

	if status != nil {
		a.logger.Info("Stopping slave threads")
		if err := a.exec(ctx, "STOP SLAVE", "RESET SLAVE ALL"); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) EnsureSlave(ctx context.Context, master string) error {
	status, err := a.slaveStatus(ctx)
	if err != nil {
		return err
	}

	if status == nil || status["Master_Host"] != master {
		a.logger.Info("Becoming a slave", zap.String("master", master))
		return a.changeMaster(ctx, master)
	}

	if status["Slave_IO_Running"] != "Yes" || status["Slave_SQL_Running"] != "Yes" {
		a.logger.Info("Slave threads are not running, trying to restart them")
		if err := a.exec(ctx, "STOP SLAVE", "START SLAVE"); err != nil {
			return err
		}
	}
	return a.setReadOnly(ctx, true)
}

func (a *Adapter) changeMaster(ctx context.Context, master string) error {
	// The read lock and read_only switch must share one session.
	conn, err := a.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	change := fmt.Sprintf("CHANGE MASTER TO MASTER_HOST=%s, MASTER_PORT=%d, MASTER_USER=%s, MASTER_PASSWORD=%s, MASTER_AUTO_POSITION=1",
		quote(master), a.cfg.Port, quote(a.cfg.ReplicationUser), quote(a.cfg.ReplicationPassword))

	for _, q := range []string{
		"FLUSH LOCAL TABLES WITH READ LOCK",
		"SET GLOBAL read_only = 1",
		"UNLOCK TABLES",
		"STOP SLAVE",
		"RESET SLAVE ALL",
		change,
		"START SLAVE",
	} {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			if q == change {
				q = "CHANGE MASTER TO"
			}
			return fmt.Errorf("%s: %w", q, err)
		}
	}
	return nil
}

func (a *Adapter) postTransactions(ctx context.Context) error {
	executed, err := a.executedGTIDs(ctx)
	if err != nil {
		return err
	}
	if executed == "" {
		a.logger.Debug("No transactions listed in GTID_EXECUTED")
		return nil
	}
	if err := a.kv.Put(ctx, transactionsKey(a.cfg.Identity), executed); err != nil {
		return fmt.Errorf("failed to post transactions: %w", err)
	}
	return nil
}

// publishIfWritable keeps the published GTID set current while this server
// accepts writes. Failures only cost freshness and are not a health problem.
func (a *Adapter) publishIfWritable(ctx context.Context) {
	var readOnly int
	if err := a.db.GetContext(ctx, &readOnly, "SELECT @@GLOBAL.read_only"); err != nil {
		a.logger.Warn("Failed to read read_only", zap.Error(err))
		return
	}
	if readOnly != 0 {
		return
	}
	if err := a.postTransactions(ctx); err != nil {
		a.logger.Warn("Failed to refresh published transactions", zap.Error(err))
	}
}

func (a *Adapter) masterIsAhead(ctx context.Context, master string) (bool, error) {
	published, err := a.kv.Get(ctx, transactionsKey(master))
	if errors.Is(err, coordination.ErrNotFound) || (err == nil && published == "") {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read transactions of %s: %w", master, err)
	}

	executed, err := a.executedGTIDs(ctx)
	if err != nil {
		return false, err
	}
	theirs, err := gomysql.ParseMysqlGTIDSet(published)
	if err != nil {
		return false, fmt.Errorf("invalid GTID set published by %s: %w", master, err)
	}
	ours, err := gomysql.ParseMysqlGTIDSet(executed)
	if err != nil {
		return false, fmt.Errorf("invalid local GTID set: %w", err)
	}
	return !ours.Contain(theirs), nil
}

func (a *Adapter) executedGTIDs(ctx context.Context) (string, error) {
	var executed sql.NullString
	if err := a.db.GetContext(ctx, &executed, "SELECT @@GLOBAL.gtid_executed"); err != nil {
		return "", fmt.Errorf("failed to read gtid_executed: %w", err)
	}
	return strings.ReplaceAll(executed.String, "\n", ""), nil
}

// slaveStatus returns SHOW SLAVE STATUS as strings, or nil when the server
// is not configured as a slave.
func (a *Adapter) slaveStatus(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryxContext(ctx, "SHOW SLAVE STATUS")
	if err != nil {
		return nil, fmt.Errorf("SHOW SLAVE STATUS: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	raw := make(map[string]any)
	if err := rows.MapScan(raw); err != nil {
		return nil, fmt.Errorf("SHOW SLAVE STATUS: %w", err)
	}
	status := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
			status[k] = ""
		case []byte:
			status[k] = string(v)
		default:
			status[k] = fmt.Sprint(v)
		}
	}
	return status, rows.Err()
}

func (a *Adapter) setReadOnly(ctx context.Context, on bool) error {
	var current int
	if err := a.db.GetContext(ctx, &current, "SELECT @@GLOBAL.read_only"); err != nil {
		return fmt.Errorf("failed to read read_only: %w", err)
	}
	want := 0
	if on {
		want = 1
	}
	if current == want {
		return nil
	}
	a.logger.Info("Setting read_only", zap.Bool("read_only", on))
	return a.exec(ctx, fmt.Sprintf("SET GLOBAL read_only = %d", want))
}

func (a *Adapter) exec(ctx context.Context, queries ...string) error {
	for _, q := range queries {
		if _, err := a.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", q, err)
		}
	}
	return nil
}

func transactionsKey(identity string) string {
	return "mysql/" + identity + "/transactions"
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

var _ adapter.Adapter = (*Adapter)(nil)
