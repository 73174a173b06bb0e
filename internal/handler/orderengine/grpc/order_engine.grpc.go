package grpc

import (
	"context"
	"errors"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/orderengine"
	"github.com/krobus00/execution-engine/internal/service/risk"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "executionengine.v1.ExecutionEngine"

// Service is the slice of the engine exposed over gRPC.
type Service interface {
	PlaceOrder(ctx context.Context, req entity.PlaceOrderRequest) (*entity.PlaceOrderResult, error)
	CancelStrategy(ctx context.Context, strategyID string) (*entity.CancelReport, error)
	GetStrategy(ctx context.Context, strategyID string) (*entity.StrategyView, error)
	GetOpenOrders(ctx context.Context) []entity.StrategyOrders
	GetOrderHistory(ctx context.Context, filter entity.OrderHistoryFilter) []entity.Order
}

type StrategyRequest struct {
	StrategyID string `json:"strategyId"`
}

type GetOpenOrdersRequest struct{}

type GetOpenOrdersResponse struct {
	Strategies []entity.StrategyOrders `json:"strategies"`
}

type GetOrderHistoryResponse struct {
	Orders []entity.Order `json:"orders"`
}

// ExecutionEngineServer is the server API registered by RegisterExecutionEngineServer.
type ExecutionEngineServer interface {
	PlaceOrder(ctx context.Context, req *entity.PlaceOrderRequest) (*entity.PlaceOrderResult, error)
	CancelStrategy(ctx context.Context, req *StrategyRequest) (*entity.CancelReport, error)
	GetStrategy(ctx context.Context, req *StrategyRequest) (*entity.StrategyView, error)
	GetOpenOrders(ctx context.Context, req *GetOpenOrdersRequest) (*GetOpenOrdersResponse, error)
	GetOrderHistory(ctx context.Context, req *entity.OrderHistoryFilter) (*GetOrderHistoryResponse, error)
}

type Server struct {
	service Service
}

func NewOrderEngineGRPCServer(service Service) *Server {
	return &Server{service: service}
}

func (s *Server) PlaceOrder(ctx context.Context, req *entity.PlaceOrderRequest) (*entity.PlaceOrderResult, error) {
	result, err := s.service.PlaceOrder(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return result, nil
}

func (s *Server) CancelStrategy(ctx context.Context, req *StrategyRequest) (*entity.CancelReport, error) {
	report, err := s.service.CancelStrategy(ctx, req.StrategyID)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *Server) GetStrategy(ctx context.Context, req *StrategyRequest) (*entity.StrategyView, error) {
	view, err := s.service.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *Server) GetOpenOrders(ctx context.Context, _ *GetOpenOrdersRequest) (*GetOpenOrdersResponse, error) {
	return &GetOpenOrdersResponse{Strategies: s.service.GetOpenOrders(ctx)}, nil
}

func (s *Server) GetOrderHistory(ctx context.Context, req *entity.OrderHistoryFilter) (*GetOrderHistoryResponse, error) {
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}
	return &GetOrderHistoryResponse{Orders: s.service.GetOrderHistory(ctx, *req)}, nil
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, risk.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, orderengine.ErrStrategyNotFound):
		code = codes.NotFound
	case errors.Is(err, entity.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, entity.ErrRejected):
		code = codes.FailedPrecondition
	case errors.Is(err, entity.ErrUnreachable), errors.Is(err, risk.ErrKillSwitch),
		errors.Is(err, orderengine.ErrEngineStopped), errors.Is(err, orderengine.ErrIdempotencyUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func RegisterExecutionEngineServer(registrar grpc.ServiceRegistrar, srv ExecutionEngineServer) {
	registrar.RegisterService(&ExecutionEngineServiceDesc, srv)
}

var ExecutionEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExecutionEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: placeOrderHandler},
		{MethodName: "CancelStrategy", Handler: cancelStrategyHandler},
		{MethodName: "GetStrategy", Handler: getStrategyHandler},
		{MethodName: "GetOpenOrders", Handler: getOpenOrdersHandler},
		{MethodName: "GetOrderHistory", Handler: getOrderHistoryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "executionengine/v1/execution_engine",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary decodes the request into a fresh Req and runs call through the
// server interceptor chain.
func unary[Req any, Resp any](name string, call func(ExecutionEngineServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		server := srv.(ExecutionEngineServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	placeOrderHandler = unary("PlaceOrder", func(s ExecutionEngineServer, ctx context.Context, in *entity.PlaceOrderRequest) (*entity.PlaceOrderResult, error) {
		return s.PlaceOrder(ctx, in)
	})
	cancelStrategyHandler = unary("CancelStrategy", func(s ExecutionEngineServer, ctx context.Context, in *StrategyRequest) (*entity.CancelReport, error) {
		return s.CancelStrategy(ctx, in)
	})
	getStrategyHandler = unary("GetStrategy", func(s ExecutionEngineServer, ctx context.Context, in *StrategyRequest) (*entity.StrategyView, error) {
		return s.GetStrategy(ctx, in)
	})
	getOpenOrdersHandler = unary("GetOpenOrders", func(s ExecutionEngineServer, ctx context.Context, in *GetOpenOrdersRequest) (*GetOpenOrdersResponse, error) {
		return s.GetOpenOrders(ctx, in)
	})
	getOrderHistoryHandler = unary("GetOrderHistory", func(s ExecutionEngineServer, ctx context.Context, in *entity.OrderHistoryFilter) (*GetOrderHistoryResponse, error) {
		return s.GetOrderHistory(ctx, in)
	})
)

// Client calls the execution engine over a connection using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) PlaceOrder(ctx context.Context, req *entity.PlaceOrderRequest, opts ...grpc.CallOption) (*entity.PlaceOrderResult, error) {
	out := new(entity.PlaceOrderResult)
	if err := c.invoke(ctx, "PlaceOrder", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelStrategy(ctx context.Context, req *StrategyRequest, opts ...grpc.CallOption) (*entity.CancelReport, error) {
	out := new(entity.CancelReport)
	if err := c.invoke(ctx, "CancelStrategy", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStrategy(ctx context.Context, req *StrategyRequest, opts ...grpc.CallOption) (*entity.StrategyView, error) {
	out := new(entity.StrategyView)
	if err := c.invoke(ctx, "GetStrategy", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, req *GetOpenOrdersRequest, opts ...grpc.CallOption) (*GetOpenOrdersResponse, error) {
	out := new(GetOpenOrdersResponse)
	if err := c.invoke(ctx, "GetOpenOrders", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrderHistory(ctx context.Context, req *entity.OrderHistoryFilter, opts ...grpc.CallOption) (*GetOrderHistoryResponse, error) {
	out := new(GetOrderHistoryResponse)
	if err := c.invoke(ctx, "GetOrderHistory", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}
