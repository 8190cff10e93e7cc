package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

const sinkRedis = "redis"

// RedisNotifier 把失败记录右侧追加到 Redis 列表，并裁剪到最大长度
type RedisNotifier struct {
	client   redis.UniversalClient
	key      string
	maxLen   int64
	timeout  time.Duration
	serverID string
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
	now      func() time.Time
}

// NewRedisClient 创建客户端并探活
func NewRedisClient(ctx context.Context, cfg cfgpkg.RedisNotifierConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// NewRedisNotifier 创建 Redis 下游
func NewRedisNotifier(client redis.UniversalClient, cfg cfgpkg.RedisNotifierConfig, serverID string, logger *zap.Logger, m *metrics.AppMetrics) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.ListKey
	if key == "" {
		key = "remoting:failures"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisNotifier{
		client:   client,
		key:      key,
		maxLen:   cfg.MaxLen,
		timeout:  timeout,
		serverID: serverID,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// FireFailure 同步写入，超时或失败时记录日志并计数
func (n *RedisNotifier) FireFailure(err *remoting.RemotingError) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if perr := n.Push(ctx, NewRecord(err, n.serverID, n.now())); perr != nil {
		n.logger.Warn("redis failure sink dropped record",
			zap.String("session_id", err.SessionID),
			zap.Error(perr),
		)
		if n.metrics != nil {
			n.metrics.NotifierDropped.WithLabelValues(sinkRedis).Inc()
		}
	}
}

// Push 追加一条记录
func (n *RedisNotifier) Push(ctx context.Context, rec Record) error {
	data, err := rec.JSON()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, n.key, data)
	if n.maxLen > 0 {
		pipe.LTrim(ctx, n.key, -n.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}
