package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/server/jsoncodec"
)

// ServiceName is the fully qualified TimerService name.
const ServiceName = "timepulse.timer.v1.TimerService"

// Full method names, for interceptor allow-lists.
const (
	MethodStartTimer   = "/" + ServiceName + "/StartTimer"
	MethodStopTimer    = "/" + ServiceName + "/StopTimer"
	MethodListPresence = "/" + ServiceName + "/ListPresence"
)

type StartTimerRequest struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
	Label     string `json:"label,omitempty"`
}

type StopTimerRequest struct{}

// TimeEntry is the wire form of a started or stopped entry.
type TimeEntry struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	ProjectID       string     `json:"projectId"`
	TaskID          string     `json:"taskId"`
	Label           string     `json:"label,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	StoppedAt       *time.Time `json:"stoppedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds,omitempty"`
}

type TimerResponse struct {
	Entry   *TimeEntry     `json:"entry"`
	Event   presence.Event `json:"event"`
	Changed bool           `json:"changed"`
}

type ListPresenceRequest struct{}

type ListPresenceResponse struct {
	Entries []presence.Entry `json:"entries"`
	AsOf    int64            `json:"asOf"`
}

// TimerServiceServer is the server API for TimerService.
type TimerServiceServer interface {
	StartTimer(context.Context, *StartTimerRequest) (*TimerResponse, error)
	StopTimer(context.Context, *StopTimerRequest) (*TimerResponse, error)
	ListPresence(context.Context, *ListPresenceRequest) (*ListPresenceResponse, error)
}

// RegisterTimerServiceServer registers srv on s.
func RegisterTimerServiceServer(s grpc.ServiceRegistrar, srv TimerServiceServer) {
	s.RegisterService(&TimerService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(TimerServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TimerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TimerServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TimerService_ServiceDesc is the grpc.ServiceDesc for TimerService.
var TimerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartTimer", Handler: unaryHandler(MethodStartTimer, TimerServiceServer.StartTimer)},
		{MethodName: "StopTimer", Handler: unaryHandler(MethodStopTimer, TimerServiceServer.StopTimer)},
		{MethodName: "ListPresence", Handler: unaryHandler(MethodListPresence, TimerServiceServer.ListPresence)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "timepulse/timer/v1/timer.json",
}

// TimerServiceClient is the client API for TimerService. Calls use the JSON codec.
type TimerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTimerServiceClient returns a client over cc.
func NewTimerServiceClient(cc grpc.ClientConnInterface) *TimerServiceClient {
	return &TimerServiceClient{cc: cc}
}

func (c *TimerServiceClient) StartTimer(ctx context.Context, in *StartTimerRequest, opts ...grpc.CallOption) (*TimerResponse, error) {
	out := new(TimerResponse)
	err := c.cc.Invoke(ctx, MethodStartTimer, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}

func (c *TimerServiceClient) StopTimer(ctx context.Context, in *StopTimerRequest, opts ...grpc.CallOption) (*TimerResponse, error) {
	out := new(TimerResponse)
	err := c.cc.Invoke(ctx, MethodStopTimer, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}

func (c *TimerServiceClient) ListPresence(ctx context.Context, in *ListPresenceRequest, opts ...grpc.CallOption) (*ListPresenceResponse, error) {
	out := new(ListPresenceResponse)
	err := c.cc.Invoke(ctx, MethodListPresence, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}
