package handler

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
)

const marketServiceName = "market.v1.Market"

// jsonCodec lets clients call the market service with content-subtype "json"
// without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type PurchaseRequest struct {
	SessionID string `json:"session_id"`
	StallID   string `json:"stall_id"`
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
	RequestID string `json:"request_id"`
}

type PurchaseResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	SaleID  string `json:"sale_id,omitempty"`
	ItemRef string `json:"item_ref,omitempty"`
}

type UpdatePriceRequest struct {
	SessionID string `json:"session_id"`
	StallID   string `json:"stall_id"`
	ProductID string `json:"product_id"`
	Price     int64  `json:"price"`
}

type BeginClaimRequest struct {
	StallID string `json:"stall_id"`
}

type SelectClaimRequest struct {
	Method string `json:"method"`
}

type ClaimResponse struct {
	StallID     string `json:"stall_id"`
	Owner       string `json:"owner"`
	NextRentDue int64  `json:"next_rent_due"`
}

type Empty struct{}

type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// MarketServer is the gRPC market API.
type MarketServer interface {
	Purchase(context.Context, *PurchaseRequest) (*PurchaseResponse, error)
	UpdatePrice(context.Context, *UpdatePriceRequest) (*Ack, error)
	BeginClaim(context.Context, *BeginClaimRequest) (*domain.ClaimOffer, error)
	SelectClaim(context.Context, *SelectClaimRequest) (*ClaimResponse, error)
	CancelClaim(context.Context, *Empty) (*Ack, error)
}

type GRPCHandler struct {
	market Market
	claims Claims
	hub    *Hub
	logger *log.Logger
}

func NewGRPCHandler(market Market, claims Claims, hub *Hub, logger *log.Logger) *GRPCHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &GRPCHandler{market: market, claims: claims, hub: hub, logger: logger}
}

func RegisterMarketServer(s grpc.ServiceRegistrar, srv MarketServer) {
	s.RegisterService(&marketServiceDesc, srv)
}

func (h *GRPCHandler) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	id, err := grpcIdentity(ctx)
	if err != nil {
		return nil, err
	}
	sale, err := h.market.Purchase(ctx, service.PurchaseRequest{
		SessionID: req.SessionID,
		StallID:   req.StallID,
		Buyer:     id.Persona,
		ProductID: req.ProductID,
		Quantity:  int(req.Quantity),
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, h.status("purchase", err)
	}
	return &PurchaseResponse{
		Success: true,
		Message: "purchase complete",
		SaleID:  sale.ID,
		ItemRef: sale.ItemRef,
	}, nil
}

func (h *GRPCHandler) UpdatePrice(ctx context.Context, req *UpdatePriceRequest) (*Ack, error) {
	id, err := grpcIdentity(ctx)
	if err != nil {
		return nil, err
	}
	err = h.market.UpdatePrice(ctx, service.PriceUpdateRequest{
		SessionID: req.SessionID,
		StallID:   req.StallID,
		Persona:   id.Persona,
		ProductID: req.ProductID,
		Price:     req.Price,
	})
	if err != nil {
		return nil, h.status("update price", err)
	}
	return &Ack{Success: true, Message: "price updated"}, nil
}

func (h *GRPCHandler) BeginClaim(ctx context.Context, req *BeginClaimRequest) (*domain.ClaimOffer, error) {
	id, err := grpcIdentity(ctx)
	if err != nil {
		return nil, err
	}
	persona := id.Persona
	window := service.ClaimWindow{}
	if h.hub != nil {
		window.OnClose = func(message string) { h.hub.CloseClaim(persona, message) }
	}
	offer, err := h.claims.Begin(ctx, service.BeginClaim{Persona: persona, PersonaName: id.Name, StallID: req.StallID}, window)
	if err != nil {
		return nil, h.status("begin claim", err)
	}
	return &offer, nil
}

func (h *GRPCHandler) SelectClaim(ctx context.Context, req *SelectClaimRequest) (*ClaimResponse, error) {
	id, err := grpcIdentity(ctx)
	if err != nil {
		return nil, err
	}
	stall, err := h.claims.Select(ctx, id.Persona, domain.PaymentMethod(req.Method))
	if err != nil {
		return nil, h.status("select claim", err)
	}
	return &ClaimResponse{
		StallID:     stall.ID,
		Owner:       string(stall.Owner),
		NextRentDue: stall.NextRentDue.UnixMilli(),
	}, nil
}

func (h *GRPCHandler) CancelClaim(ctx context.Context, _ *Empty) (*Ack, error) {
	id, err := grpcIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if !h.claims.Cancel(id.Persona) {
		return nil, h.status("cancel claim", service.ErrNegotiationNotFound)
	}
	return &Ack{Success: true, Message: "claim cancelled"}, nil
}

func (h *GRPCHandler) status(op string, err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.logger.Printf("grpc: %s: %v", op, err)
	}
	return status.Error(code, service.UserMessage(err))
}

func grpcIdentity(ctx context.Context) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, status.Error(codes.Unauthenticated, ErrMissingToken.Error())
	}
	return id, nil
}

// UnaryAuthInterceptor authenticates market calls from the "authorization"
// metadata. Other services, such as health, pass through.
func (a *Authenticator) UnaryAuthInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+marketServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	token, err := bearerToken(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	id, err := a.ValidateToken(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(WithIdentity(ctx, id), req)
}

func unaryMethod[Req any, Resp any](name string, call func(MarketServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + marketServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MarketServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MarketServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var marketServiceDesc = grpc.ServiceDesc{
	ServiceName: marketServiceName,
	HandlerType: (*MarketServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Purchase", MarketServer.Purchase),
		unaryMethod("UpdatePrice", MarketServer.UpdatePrice),
		unaryMethod("BeginClaim", MarketServer.BeginClaim),
		unaryMethod("SelectClaim", MarketServer.SelectClaim),
		unaryMethod("CancelClaim", MarketServer.CancelClaim),
	},
	Streams: []grpc.StreamDesc{},
}

// NewGRPCServer builds a traced gRPC server carrying the market and health
// services.
func NewGRPCServer(h *GRPCHandler, auth *Authenticator) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(auth.UnaryAuthInterceptor),
	)
	RegisterMarketServer(server, h)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(marketServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return server, healthServer
}
