package source

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewStatic(map[string]float64{"a": 1, "b": 2}), "a", "b")

	v, err := reg.GetCurrentValue(context.Background(), "b")
	if err != nil || v != 2 {
		t.Fatalf("期望 2, 实际 %v (%v)", v, err)
	}

	if _, err := reg.GetCurrentValue(context.Background(), "missing"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("未注册的指标应返回 ErrUnknownMetric, 实际 %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names 应排序返回, 实际 %v", names)
	}
}

func TestStaticFailUntilSet(t *testing.T) {
	s := NewStatic(nil)
	boom := errors.New("boom")
	s.Fail("p95", boom)
	if _, err := s.GetCurrentValue(context.Background(), "p95"); !errors.Is(err, boom) {
		t.Fatalf("Fail 后应返回错误, 实际 %v", err)
	}
	s.Set("p95", 42)
	if v, err := s.GetCurrentValue(context.Background(), "p95"); err != nil || v != 42 {
		t.Fatalf("Set 后应恢复, 实际 %v (%v)", v, err)
	}
}

func TestRuntimeMetrics(t *testing.T) {
	r := &Runtime{
		readMem: func(ms *runtime.MemStats) {
			ms.HeapAlloc = 50
			ms.HeapSys = 200
			ms.NumGC = 20
			for i := 0; i < 20; i++ {
				ms.PauseNs[i] = uint64(i+1) * 1_000_000
			}
		},
		goroutines:  func() int { return 7 },
		memoryLimit: func() int64 { return 1<<63 - 1 },
	}
	ctx := context.Background()

	cases := map[string]float64{
		MetricHeapAllocBytes: 50,
		MetricHeapUsagePct:   25,
		MetricGoroutines:     7,
		MetricGCPauseP95:     19,
	}
	for metric, want := range cases {
		got, err := r.GetCurrentValue(ctx, metric)
		if err != nil {
			t.Fatalf("%s: %v", metric, err)
		}
		if got != want {
			t.Fatalf("%s: 期望 %v, 实际 %v", metric, want, got)
		}
	}

	r.memoryLimit = func() int64 { return 100 }
	if got, _ := r.GetCurrentValue(ctx, MetricHeapUsagePct); got != 50 {
		t.Fatalf("设置内存上限后应以上限为分母, 实际 %v", got)
	}

	if _, err := r.GetCurrentValue(ctx, "nope"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("未知指标应报错")
	}
}

func TestHTTPJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"latency":{"p95":"312.5"},"errors":{"rate":1.25}}`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(HTTPJSONOptions{URL: srv.URL, Field: "latency.p95", Timeout: time.Second}, testLogger())
	v, err := h.GetCurrentValue(context.Background(), "p95_latency_ms")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if v != 312.5 {
		t.Fatalf("期望 312.5, 实际 %v", v)
	}

	h = NewHTTPJSON(HTTPJSONOptions{URL: srv.URL, Field: "errors.rate"}, testLogger())
	if v, err := h.GetCurrentValue(context.Background(), "error_rate_pct"); err != nil || v != 1.25 {
		t.Fatalf("期望 1.25, 实际 %v (%v)", v, err)
	}

	h = NewHTTPJSON(HTTPJSONOptions{URL: srv.URL, Field: "latency.p99"}, testLogger())
	if _, err := h.GetCurrentValue(context.Background(), "p99"); err == nil {
		t.Fatal("缺失字段应返回错误")
	}
}

func TestHTTPJSONHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"warming up"}`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(HTTPJSONOptions{URL: srv.URL}, testLogger())
	if _, err := h.GetCurrentValue(context.Background(), "x"); err == nil {
		t.Fatal("HTTP 503 应返回错误")
	}

	h = NewHTTPJSON(HTTPJSONOptions{}, testLogger())
	if _, err := h.GetCurrentValue(context.Background(), "x"); err == nil {
		t.Fatal("未配置 URL 应报错")
	}
}

func TestGathererValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth"}, []string{"queue"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "tick_seconds"})
	reg.MustRegister(gauge, hist)
	gauge.WithLabelValues("a").Set(3)
	gauge.WithLabelValues("b").Set(4)
	hist.Observe(1)
	hist.Observe(3)

	g := NewGatherer(reg, map[string]string{"queue_depth": "queue_depth", "tick_mean_seconds": "tick_seconds", "ghost": "not_there"})
	ctx := context.Background()

	if v, err := g.GetCurrentValue(ctx, "queue_depth"); err != nil || v != 7 {
		t.Fatalf("gauge 应求和为 7, 实际 %v (%v)", v, err)
	}
	if v, err := g.GetCurrentValue(ctx, "tick_mean_seconds"); err != nil || v != 2 {
		t.Fatalf("histogram 应返回均值 2, 实际 %v (%v)", v, err)
	}
	if _, err := g.GetCurrentValue(ctx, "ghost"); err == nil {
		t.Fatal("未注册的 family 应报错")
	}
	if _, err := g.GetCurrentValue(ctx, "unmapped"); !errors.Is(err, ErrUnknownMetric) {
		t.Fatal("未映射的指标应返回 ErrUnknownMetric")
	}
}

func TestPoolValue(t *testing.T) {
	snap := poolSnapshot{acquired: 3, idle: 1, max: 4, acquireCount: 10, acquireDuration: 250}
	cases := map[string]float64{
		MetricPoolAcquireWaitMs: 25,
		MetricPoolAcquired:      3,
		MetricPoolIdle:          1,
		MetricPoolUtilization:   75,
	}
	for metric, want := range cases {
		got, err := poolValue(metric, snap)
		if err != nil || got != want {
			t.Fatalf("%s: 期望 %v, 实际 %v (%v)", metric, want, got, err)
		}
	}
	if v, _ := poolValue(MetricPoolAcquireWaitMs, poolSnapshot{}); v != 0 {
		t.Fatalf("无获取记录时应为 0")
	}
	if _, err := NewPoolStats(nil).GetCurrentValue(context.Background(), MetricPoolIdle); err == nil {
		t.Fatal("未配置连接池应报错")
	}
}

type fakeRedis struct {
	info    string
	infoErr error
	pingErr error
}

func (f fakeRedis) Info(ctx context.Context, section ...string) *redis.StringCmd {
	return redis.NewStringResult(f.info, f.infoErr)
}

func (f fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func TestRedisInfoFields(t *testing.T) {
	info := "# Clients\r\nconnected_clients:12\r\nblocked_clients:0\r\n# Memory\r\nused_memory:1048576\r\n"
	r := NewRedisWithClient(fakeRedis{info: info}, testLogger())
	ctx := context.Background()

	if v, err := r.GetCurrentValue(ctx, MetricRedisClients); err != nil || v != 12 {
		t.Fatalf("connected_clients 期望 12, 实际 %v (%v)", v, err)
	}
	if v, err := r.GetCurrentValue(ctx, MetricRedisUsedMemory); err != nil || v != 1048576 {
		t.Fatalf("used_memory 期望 1048576, 实际 %v (%v)", v, err)
	}
	if _, err := r.GetCurrentValue(ctx, MetricRedisPing); err != nil {
		t.Fatalf("ping 不应报错: %v", err)
	}

	r = NewRedisWithClient(fakeRedis{pingErr: errors.New("down")}, testLogger())
	if _, err := r.GetCurrentValue(ctx, MetricRedisPing); err == nil {
		t.Fatal("ping 失败应报错")
	}
	if _, err := r.GetCurrentValue(ctx, MetricRedisClients); err == nil {
		t.Fatal("INFO 缺少字段应报错")
	}
}

type fakeHeads struct {
	head uint64
}

func (f fakeHeads) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (f fakeHeads) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Time: f.head}, nil
}

func TestEthNodeMetrics(t *testing.T) {
	off := NewEthNode(EthOptions{}, testLogger())
	if _, err := off.GetCurrentValue(context.Background(), MetricEthHeadAge); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	now := time.Unix(1_700_000_030, 0)
	node := NewEthNode(EthOptions{RPCURL: "http://node"}, testLogger())
	node.client = fakeHeads{head: 1_700_000_000}
	node.now = func() time.Time { return now }

	if v, err := node.GetCurrentValue(context.Background(), MetricEthHeadAge); err != nil || v != 30 {
		t.Fatalf("期望区块延迟 30s, 实际 %v (%v)", v, err)
	}
	if _, err := node.GetCurrentValue(context.Background(), MetricEthRPCLatency); err != nil {
		t.Fatalf("延迟采样不应报错: %v", err)
	}
}
