package integration

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/stretchr/testify/require"
)

// BenchmarkEngine 單一引擎從初始解跑到收斂
func BenchmarkEngine(b *testing.B) {
	inst := testInstance(b)
	start, err := schedule.FromInstance(inst)
	require.NoError(b, err)
	cfg, err := testSettings().Config()
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine, err := anneal.New(cfg, start, rand.New(rand.NewSource(int64(i))))
		require.NoError(b, err)
		_, err = engine.Run(context.Background())
		require.NoError(b, err)
	}
}

// BenchmarkSearch 完整的多輪平行搜尋
func BenchmarkSearch(b *testing.B) {
	inst := testInstance(b)
	exec := localExecutor(b, inst)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cfg := searchConfig()
		cfg.Seed = int64(i + 1)
		ctrl, err := controller.NewController(inst, exec, cfg)
		require.NoError(b, err)
		_, err = ctrl.Run(context.Background())
		require.NoError(b, err)
	}
}
