package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// startServer serves a search worker over an in-memory listener and
// returns a client connection to it.
func startServer(t *testing.T) (*Server, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(nil)

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
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv, conn
}

func encodedStart(t *testing.T, inst *types.Instance) []byte {
	t.Helper()
	start, err := schedule.FromInstance(inst)
	require.NoError(t, err)
	payload, err := start.MarshalBinary()
	require.NoError(t, err)
	return payload
}

func TestGrpcExecutorRoundTrip(t *testing.T) {
	srv, conn := startServer(t)

	inst, err := types.NewInstance(3, []int{5, 5, 5})
	require.NoError(t, err)
	exec, err := worker.NewGrpcExecutor(inst, anneal.DefaultSettings(), conn)
	require.NoError(t, err)

	out, err := exec.Execute(context.Background(), worker.Task{ID: 2, Round: 1, Seed: 11, Start: encodedStart(t, inst)})
	require.NoError(t, err)
	assert.Equal(t, int64(15), out.Metric)
	assert.Positive(t, out.Iterations)

	best, err := schedule.Decode(out.Payload, inst.Processors, inst.Durations)
	require.NoError(t, err)
	assert.Equal(t, out.Metric, best.Metric())
	assert.Equal(t, int64(1), srv.Served())
	assert.Equal(t, int64(0), srv.Active())
}

func TestRemoteMatchesLocalForSameSeed(t *testing.T) {
	_, conn := startServer(t)

	inst, err := types.NewInstance(4, []int{9, 3, 7, 1, 8, 2, 6, 4, 5, 10})
	require.NoError(t, err)
	settings := anneal.DefaultSettings()
	settings.Patience = 100

	remote, err := worker.NewGrpcExecutor(inst, settings, conn)
	require.NoError(t, err)
	cfg, err := settings.Config()
	require.NoError(t, err)
	local, err := worker.NewLocalExecutor(inst, cfg)
	require.NoError(t, err)

	task := worker.Task{Seed: 99, Start: encodedStart(t, inst)}
	a, err := remote.Execute(context.Background(), task)
	require.NoError(t, err)
	b, err := local.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestAnnealRejectsInvalidRequests(t *testing.T) {
	_, conn := startServer(t)

	valid := worker.RemoteRequest{
		Processors: 2,
		Durations:  []int{1, 2},
		Settings:   anneal.DefaultSettings(),
		Seed:       1,
	}
	inst, err := valid.Instance()
	require.NoError(t, err)
	valid.Start = encodedStart(t, inst)

	cases := map[string]func(*worker.RemoteRequest){
		"bad instance":  func(r *worker.RemoteRequest) { r.Processors = 0 },
		"huge k":        func(r *worker.RemoteRequest) { r.Processors = 1 << 50 },
		"bad law":       func(r *worker.RemoteRequest) { r.Settings.Law = "linear" },
		"bad patience":  func(r *worker.RemoteRequest) { r.Settings.Patience = 0 },
		"corrupt start": func(r *worker.RemoteRequest) { r.Start = r.Start[:len(r.Start)-1] },
		"k mismatch":    func(r *worker.RemoteRequest) { r.Processors = 3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			req.Start = append([]byte(nil), valid.Start...)
			mutate(&req)
			body, err := json.Marshal(req)
			require.NoError(t, err)

			err = conn.Invoke(context.Background(), worker.AnnealMethod, wrapperspb.Bytes(body), &wrapperspb.BytesValue{})
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}

	t.Run("bad json", func(t *testing.T) {
		err := conn.Invoke(context.Background(), worker.AnnealMethod, wrapperspb.Bytes([]byte("{")), &wrapperspb.BytesValue{})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

// 處理器數量過大時 handler 必須回報錯誤，不能在配置記憶體時 panic
func TestAnnealRejectsOversizedInstance(t *testing.T) {
	srv := NewServer(nil)
	for name, k := range map[string]int{
		"just above limit": types.MaxProcessors + 1,
		"absurd":           1 << 50,
	} {
		t.Run(name, func(t *testing.T) {
			body, err := json.Marshal(worker.RemoteRequest{
				Processors: k,
				Durations:  []int{1},
				Settings:   anneal.DefaultSettings(),
				Seed:       1,
			})
			require.NoError(t, err)

			var resp *wrapperspb.BytesValue
			require.NotPanics(t, func() {
				resp, err = srv.Anneal(context.Background(), wrapperspb.Bytes(body))
			})
			assert.Nil(t, resp)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			assert.Contains(t, status.Convert(err).Message(), types.ErrInvalidInstance.Error())
		})
	}
	assert.Zero(t, srv.Served())
}

func TestAnnealHonorsDeadline(t *testing.T) {
	_, conn := startServer(t)

	durations := make([]int, 400)
	for i := range durations {
		durations[i] = 1 + i%97
	}
	inst, err := types.NewInstance(8, durations)
	require.NoError(t, err)
	settings := anneal.DefaultSettings()
	settings.Patience = 1 << 30

	exec, err := worker.NewGrpcExecutor(inst, settings, conn)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(ctx, worker.Task{Seed: 1, Start: encodedStart(t, inst)})
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))

	_, err := schedule.Decode([]byte{}, 1, []int{1})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(err)))
}
