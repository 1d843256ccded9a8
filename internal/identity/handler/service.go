package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"timepulse/backend/internal/server/jsoncodec"
)

// ServiceName is the fully qualified AuthService name.
const ServiceName = "timepulse.auth.v1.AuthService"

// Full method names, for interceptor allow-lists.
const (
	MethodLogin         = "/" + ServiceName + "/Login"
	MethodRefresh       = "/" + ServiceName + "/Refresh"
	MethodLogout        = "/" + ServiceName + "/Logout"
	MethodTerminateUser = "/" + ServiceName + "/TerminateUser"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is returned by Login and Refresh.
type TokenResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	UserID           string    `json:"userId"`
	SessionID        string    `json:"sessionId"`
	Role             string    `json:"role"`
}

type LogoutRequest struct{}

type LogoutResponse struct{}

type TerminateUserRequest struct {
	UserID string `json:"userId"`
}

type TerminateUserResponse struct {
	UserID            string `json:"userId"`
	SessionsRevoked   int    `json:"sessionsRevoked"`
	ConnectionsClosed int    `json:"connectionsClosed"`
	TimerStopped      bool   `json:"timerStopped"`
}

// AuthServiceServer is the server API for AuthService.
type AuthServiceServer interface {
	Login(context.Context, *LoginRequest) (*TokenResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	TerminateUser(context.Context, *TerminateUserRequest) (*TerminateUserResponse, error)
}

// RegisterAuthServiceServer registers srv on s.
func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(AuthServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AuthService_ServiceDesc is the grpc.ServiceDesc for AuthService.
var AuthService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unaryHandler(MethodLogin, AuthServiceServer.Login)},
		{MethodName: "Refresh", Handler: unaryHandler(MethodRefresh, AuthServiceServer.Refresh)},
		{MethodName: "Logout", Handler: unaryHandler(MethodLogout, AuthServiceServer.Logout)},
		{MethodName: "TerminateUser", Handler: unaryHandler(MethodTerminateUser, AuthServiceServer.TerminateUser)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "timepulse/auth/v1/auth.json",
}

// AuthServiceClient is the client API for AuthService. Calls use the JSON codec.
type AuthServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthServiceClient returns a client over cc.
func NewAuthServiceClient(cc grpc.ClientConnInterface) *AuthServiceClient {
	return &AuthServiceClient{cc: cc}
}

func (c *AuthServiceClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	err := c.cc.Invoke(ctx, MethodLogin, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}

func (c *AuthServiceClient) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	err := c.cc.Invoke(ctx, MethodRefresh, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}

func (c *AuthServiceClient) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*LogoutResponse, error) {
	out := new(LogoutResponse)
	err := c.cc.Invoke(ctx, MethodLogout, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}

func (c *AuthServiceClient) TerminateUser(ctx context.Context, in *TerminateUserRequest, opts ...grpc.CallOption) (*TerminateUserResponse, error) {
	out := new(TerminateUserResponse)
	err := c.cc.Invoke(ctx, MethodTerminateUser, in, out, jsoncodec.CallOptions(opts)...)
	return out, err
}
