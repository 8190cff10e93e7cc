package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

const sinkDatabase = "database"

const createFailuresTable = `CREATE TABLE IF NOT EXISTS remoting_failures (
	id          UUID PRIMARY KEY,
	code        INTEGER NOT NULL,
	code_name   TEXT NOT NULL,
	message     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	cause       TEXT NOT NULL DEFAULT '',
	server_id   TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

const insertFailure = `INSERT INTO remoting_failures
	(id, code, code_name, message, session_id, cause, server_id, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Execer pgxpool.Pool 的写入子集
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPool 创建 pgx 连接池并探活
func NewPool(ctx context.Context, cfg cfgpkg.DatabaseNotifierConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	// SQL 日志追踪
	if logger != nil {
		pcfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   &pgxZapLogger{logger: logger},
			LogLevel: tracelog.LogLevelWarn,
		}
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	} else {
		pcfg.MaxConns = 4
	}
	pcfg.MaxConnIdleTime = 30 * time.Minute
	pcfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// pgxZapLogger 将 pgx 日志适配到 zap
type pgxZapLogger struct {
	logger *zap.Logger
}

func (l *pgxZapLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug("[SQL] "+msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

// PGNotifier 把失败记录写入 remoting_failures 表
type PGNotifier struct {
	db       Execer
	timeout  time.Duration
	serverID string
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
	now      func() time.Time
}

// NewPGNotifier 创建 PostgreSQL 下游
func NewPGNotifier(db Execer, timeout time.Duration, serverID string, logger *zap.Logger, m *metrics.AppMetrics) *PGNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &PGNotifier{db: db, timeout: timeout, serverID: serverID, logger: logger, metrics: m, now: time.Now}
}

// EnsureSchema 建表（幂等）
func (n *PGNotifier) EnsureSchema(ctx context.Context) error {
	if _, err := n.db.Exec(ctx, createFailuresTable); err != nil {
		return fmt.Errorf("create remoting_failures: %w", err)
	}
	return nil
}

// FireFailure 同步写入，超时或失败时记录日志并计数
func (n *PGNotifier) FireFailure(err *remoting.RemotingError) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if ierr := n.Insert(ctx, NewRecord(err, n.serverID, n.now())); ierr != nil {
		n.logger.Warn("database failure sink dropped record",
			zap.String("session_id", err.SessionID),
			zap.Error(ierr),
		)
		if n.metrics != nil {
			n.metrics.NotifierDropped.WithLabelValues(sinkDatabase).Inc()
		}
	}
}

// Insert 写入一条记录
func (n *PGNotifier) Insert(ctx context.Context, rec Record) error {
	_, err := n.db.Exec(ctx, insertFailure,
		rec.ID, rec.Code, rec.CodeName, rec.Message, rec.SessionID, rec.Cause, rec.ServerID, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}
