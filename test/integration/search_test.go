// ============================================================================
// flowtime-anneal 端到端搜尋測試
// ============================================================================
//
// Package: test/integration
// 文件: search_test.go
// 功能: Controller + Worker Pool + Executor 的端到端測試
//
// TestEndToEndLocalSearch:
//   本地引擎完整搜尋流程
//   - 產生 60 個任務、5 個處理器的隨機實例
//   - 執行到輪次耐心耗盡
//   - 驗證最佳解合法、不差於初始解、可存檔並重新載入
//
// TestEndToEndRemoteSearch:
//   透過 gRPC 的遠端 search worker
//   - 兩個 in-memory (bufconn) worker 節點
//   - 同一個 seed 下遠端與本地結果完全相同
//   - 兩個節點都收到請求
//
// ============================================================================

package integration

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"github.com/ChuLiYu/flowtime-anneal/internal/instance"
	"github.com/ChuLiYu/flowtime-anneal/internal/metrics"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/server"
	"github.com/ChuLiYu/flowtime-anneal/internal/snapshot"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// testSettings 較小的 patience，讓測試在數秒內完成
func testSettings() anneal.Settings {
	s := anneal.DefaultSettings()
	s.Patience = 200
	return s
}

func testInstance(t testing.TB) *types.Instance {
	t.Helper()
	inst, err := instance.Generate(5, 60, 10, 100, rand.New(rand.NewSource(2024)))
	require.NoError(t, err)
	return inst
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localExecutor(t testing.TB, inst *types.Instance) *worker.LocalExecutor {
	t.Helper()
	cfg, err := testSettings().Config()
	require.NoError(t, err)
	exec, err := worker.NewLocalExecutor(inst, cfg)
	require.NoError(t, err)
	return exec
}

func searchConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.WorkerCount = 4
	cfg.RoundPatience = 3
	cfg.Seed = 99
	cfg.Logger = quietLogger()
	return cfg
}

func TestEndToEndLocalSearch(t *testing.T) {
	inst := testInstance(t)
	start, err := schedule.FromInstance(inst)
	require.NoError(t, err)

	var events []controller.Event
	cfg := searchConfig()
	cfg.Metrics = metrics.NewCollectorWith(prometheus.NewRegistry())
	cfg.OnImprove = func(ev controller.Event) { events = append(events, ev) }

	ctrl, err := controller.NewController(inst, localExecutor(t, inst), cfg)
	require.NoError(t, err)

	sum, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, controller.StopPatience, sum.Reason)
	assert.Equal(t, start.Metric(), sum.InitialCost)
	assert.Less(t, sum.Metric, sum.InitialCost, "all tasks start on processor 0")
	require.NoError(t, sum.Best.Validate())
	assert.Equal(t, sum.Metric, sum.Best.Metric())
	assert.Zero(t, sum.Failures)

	// 全域最佳值嚴格遞減
	prev := sum.InitialCost
	for _, ev := range events {
		assert.Less(t, ev.Metric, prev)
		assert.Equal(t, prev, ev.Previous)
		prev = ev.Metric
	}
	assert.Equal(t, sum.Metric, prev)
	assert.Equal(t, len(events), sum.Improvements)

	// 存檔並重新載入
	path := filepath.Join(t.TempDir(), "result.json")
	mgr := snapshot.NewManager(path)
	require.NoError(t, mgr.Write(snapshot.NewRecord(sum.Best, inst.Durations, "mixed", cfg.WorkerCount, sum.Rounds, sum.Duration)))

	rec, err := mgr.Load()
	require.NoError(t, err)
	restored, err := snapshot.Solution(rec)
	require.NoError(t, err)
	assert.Equal(t, sum.Best.Queues(), restored.Queues())
}

// startWorkers 啟動 n 個 bufconn search worker 並返回連線
func startWorkers(t *testing.T, n int) ([]*server.Server, []grpc.ClientConnInterface) {
	t.Helper()
	servers := make([]*server.Server, n)
	conns := make([]grpc.ClientConnInterface, n)

	for i := 0; i < n; i++ {
		lis := bufconn.Listen(1 << 20)
		srv := server.NewServer(quietLogger())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Serve(ctx, lis) }()

		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			_ = conn.Close()
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("search worker did not shut down")
			}
		})
		servers[i] = srv
		conns[i] = conn
	}
	return servers, conns
}

func TestEndToEndRemoteSearch(t *testing.T) {
	inst := testInstance(t)
	servers, conns := startWorkers(t, 2)

	remote, err := worker.NewGrpcExecutor(inst, testSettings(), conns...)
	require.NoError(t, err)

	ctrl, err := controller.NewController(inst, remote, searchConfig())
	require.NoError(t, err)
	remoteSum, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	ctrl, err = controller.NewController(inst, localExecutor(t, inst), searchConfig())
	require.NoError(t, err)
	localSum, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	// 相同 seed 下遠端與本地結果一致
	assert.Equal(t, localSum.Metric, remoteSum.Metric)
	assert.Equal(t, localSum.Rounds, remoteSum.Rounds)
	assert.Equal(t, localSum.Best.Queues(), remoteSum.Best.Queues())

	var served int64
	for _, srv := range servers {
		assert.Positive(t, srv.Served(), "every search worker should receive requests")
		served += srv.Served()
	}
	assert.Equal(t, int64(remoteSum.Rounds*4), served)
}

func TestRemoteSearch_WorkerDown(t *testing.T) {
	inst := testInstance(t)
	_, conns := startWorkers(t, 1)

	// 第二個連線指向已關閉的 listener
	dead := bufconn.Listen(1 << 10)
	require.NoError(t, dead.Close())
	deadConn, err := grpc.NewClient("passthrough:///dead",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dead.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deadConn.Close() })

	remote, err := worker.NewGrpcExecutor(inst, testSettings(), conns[0], deadConn)
	require.NoError(t, err)

	// 預設策略：任一 worker 失敗即中止
	cfg := searchConfig()
	cfg.RoundTimeout = 2 * time.Second
	ctrl, err := controller.NewController(inst, remote, cfg)
	require.NoError(t, err)
	sum, err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, controller.ErrWorkerFailed)
	assert.Equal(t, controller.StopFailed, sum.Reason)

	// DropFailedWorkers：忽略失敗的 worker 繼續搜尋
	cfg.DropFailedWorkers = true
	ctrl, err = controller.NewController(inst, remote, cfg)
	require.NoError(t, err)
	sum, err = ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, sum.Failures)
	assert.Equal(t, controller.StopPatience, sum.Reason)
	require.NoError(t, sum.Best.Validate())
}
