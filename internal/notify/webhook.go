package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
)

const sinkWebhook = "webhook"

// WebhookNotifier 异步推送失败记录：FireFailure 只入队，worker 签名后 POST
type WebhookNotifier struct {
	client   *http.Client
	endpoint string
	path     string
	apiKey   string
	secret   string
	workers  int
	serverID string
	queue    chan Record
	breaker  *CircuitBreaker
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewWebhookNotifier 创建 Webhook 下游，需调用 Start 启动 worker
func NewWebhookNotifier(cfg cfgpkg.WebhookNotifierConfig, serverID string, logger *zap.Logger, m *metrics.AppMetrics) (*WebhookNotifier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse webhook url: %q is not absolute", cfg.URL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	w := &WebhookNotifier{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.URL,
		path:     u.Path,
		apiKey:   cfg.APIKey,
		secret:   cfg.Secret,
		workers:  workers,
		serverID: serverID,
		queue:    make(chan Record, size),
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	w.breaker.OnStateChange(func(from, to BreakerState) {
		w.logger.Warn("webhook circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	return w, nil
}

// FireFailure 非阻塞入队；队列满时丢弃并计数
func (w *WebhookNotifier) FireFailure(err *remoting.RemotingError) {
	rec := NewRecord(err, w.serverID, w.now())
	select {
	case w.queue <- rec:
	default:
		w.drop(rec, "queue full")
	}
}

// Start 启动 worker，ctx 取消后 worker 退出
func (w *WebhookNotifier) Start(ctx context.Context) {
	w.logger.Info("starting webhook workers",
		zap.Int("worker_count", w.workers),
		zap.String("endpoint", w.endpoint),
	)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx, i+1)
	}
}

// Wait 等待全部 worker 退出
func (w *WebhookNotifier) Wait() { w.wg.Wait() }

func (w *WebhookNotifier) worker(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With(zap.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			n := w.drain("shutdown")
			logger.Debug("webhook worker stopped", zap.Int("abandoned", n))
			return
		case rec := <-w.queue:
			err := w.breaker.Call(func() error { return w.Post(ctx, rec) })
			if err != nil {
				w.drop(rec, err.Error())
			}
		}
	}
}

// drain 退出时丢弃队列中剩余记录并计数
func (w *WebhookNotifier) drain(reason string) int {
	n := 0
	for {
		select {
		case rec := <-w.queue:
			w.drop(rec, reason)
			n++
		default:
			return n
		}
	}
}

func (w *WebhookNotifier) drop(rec Record, reason string) {
	w.logger.Warn("webhook failure sink dropped record",
		zap.String("record_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.String("reason", reason),
	)
	if w.metrics != nil {
		w.metrics.NotifierDropped.WithLabelValues(sinkWebhook).Inc()
	}
}

// Post 签名并发送一条记录，非 2xx 视为失败
func (w *WebhookNotifier) Post(ctx context.Context, rec Record) error {
	body, err := rec.JSON()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ts := w.now().Unix()
	nonce := fmt.Sprintf("%08x", rand.Uint32())
	sig := SignHMAC(w.secret, canonicalString(http.MethodPost, w.path, ts, nonce, hashHex(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", w.apiKey)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook http %d", resp.StatusCode)
	}
	return nil
}

// canonicalString method\npath\ntimestamp\nnonce\nbodySha256Hex
func canonicalString(method, path string, ts int64, nonce, bodyHex string) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%s", strings.ToUpper(method), path, ts, nonce, bodyHex)
}

func hashHex(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// SignHMAC 生成 HMAC-SHA256 签名（hex）
func SignHMAC(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
