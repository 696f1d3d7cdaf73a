package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the gRPC service exposed by search-worker nodes.
	ServiceName = "anneal.v1.SearchWorker"
	// AnnealMethod is the full method name of the unary search call.
	AnnealMethod = "/" + ServiceName + "/Anneal"
)

// RemoteRequest is the JSON body carried in a wrapperspb.BytesValue.
type RemoteRequest struct {
	Round      int             `json:"round"`
	TaskID     int             `json:"task_id"`
	Processors int             `json:"processors"`
	Durations  []int           `json:"durations"`
	Settings   anneal.Settings `json:"settings"`
	Seed       int64           `json:"seed"`
	Start      []byte          `json:"start"`
}

// RemoteResponse is the JSON reply of a search-worker node.
type RemoteResponse struct {
	Solution   []byte `json:"solution"`
	Metric     int64  `json:"metric"`
	Iterations int    `json:"iterations"`
}

// Instance rebuilds and validates the instance carried by the request.
func (r *RemoteRequest) Instance() (*types.Instance, error) {
	return types.NewInstance(r.Processors, r.Durations)
}

// GrpcExecutor 把搜尋任務交給遠端 search-worker 節點
// 多個連線時以 round-robin 方式分配
type GrpcExecutor struct {
	inst     *types.Instance
	settings anneal.Settings
	conns    []grpc.ClientConnInterface
	next     atomic.Uint64
}

// NewGrpcExecutor creates an executor over one or more established connections.
func NewGrpcExecutor(inst *types.Instance, settings anneal.Settings, conns ...grpc.ClientConnInterface) (*GrpcExecutor, error) {
	if len(conns) == 0 {
		return nil, errors.New("grpc executor needs at least one connection")
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if _, err := settings.Config(); err != nil {
		return nil, err
	}
	return &GrpcExecutor{inst: inst, settings: settings, conns: conns}, nil
}

// Execute sends one search to the next node. The task context deadline is
// propagated to the remote side by gRPC.
func (e *GrpcExecutor) Execute(ctx context.Context, task Task) (Outcome, error) {
	body, err := json.Marshal(RemoteRequest{
		Round:      task.Round,
		TaskID:     task.ID,
		Processors: e.inst.Processors,
		Durations:  e.inst.Durations,
		Settings:   e.settings,
		Seed:       task.Seed,
		Start:      task.Start,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal remote request: %w", err)
	}

	conn := e.conns[int(e.next.Add(1)-1)%len(e.conns)]
	reply := &wrapperspb.BytesValue{}
	if err := conn.Invoke(ctx, AnnealMethod, wrapperspb.Bytes(body), reply); err != nil {
		return Outcome{}, fmt.Errorf("rpc anneal failed: %w", err)
	}

	var resp RemoteResponse
	if err := json.Unmarshal(reply.GetValue(), &resp); err != nil {
		return Outcome{}, fmt.Errorf("unmarshal remote response: %w", err)
	}
	return Outcome{
		Payload:    resp.Solution,
		Metric:     resp.Metric,
		Iterations: resp.Iterations,
	}, nil
}

// Dial opens plaintext client connections to the given worker addresses.
// On error every connection opened so far is closed.
func Dial(addrs []string) ([]*grpc.ClientConn, error) {
	conns := make([]*grpc.ClientConn, 0, len(addrs))
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}
