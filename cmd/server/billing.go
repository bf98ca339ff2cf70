package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/voltcast/cmd/server/metrics"
	"github.com/HatiCode/voltcast/cmd/server/router"
	"github.com/HatiCode/voltcast/pkg/billing"
)

const (
	billingServiceName = "voltcast.billing.v1.Billing"
	computeMethod      = "/" + billingServiceName + "/Compute"
)

// BillingServer is the server API for voltcast.billing.v1.Billing.
//
// Compute takes and returns google.protobuf.Struct values with the same
// shape as the JSON bodies of POST /predict, so both transports share one
// decoder:
//
//	Struct → protojson → billing.DecodeRequest → billing.Compute → Struct
//
// Validation failures map to codes.InvalidArgument.
type BillingServer interface {
	Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var billingServiceDesc = grpc.ServiceDesc{
	ServiceName: billingServiceName,
	HandlerType: (*BillingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compute", Handler: computeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voltcast/billing/v1/billing.proto",
}

// RegisterBillingServer registers srv on s.
func RegisterBillingServer(s grpc.ServiceRegistrar, srv BillingServer) {
	s.RegisterService(&billingServiceDesc, srv)
}

func computeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BillingServer).Compute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: computeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BillingServer).Compute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Billing implements BillingServer.
type Billing struct {
	defaults billing.Defaults
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewBilling creates the gRPC billing service.
func NewBilling(defaults billing.Defaults, logger *slog.Logger, m *metrics.Metrics) *Billing {
	if logger == nil {
		logger = slog.Default()
	}
	return &Billing{defaults: defaults, logger: logger, metrics: m}
}

// Compute returns the billing envelope for req.
func (b *Billing) Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.ObserveGRPCDuration("Compute", time.Since(start).Seconds())
		}
	}()

	if req == nil {
		req = &structpb.Struct{}
	}
	body, err := protojson.Marshal(req)
	if err != nil {
		b.record(metrics.OutcomeInvalid)
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if len(body) > router.MaxBodyBytes {
		b.record(metrics.OutcomeTooLarge)
		return nil, status.Error(codes.ResourceExhausted, "request exceeds maximum size")
	}

	result, err := router.ComputeBill(body, b.defaults)
	if err != nil {
		b.record(metrics.OutcomeInvalid)
		var verr *billing.ValidationError
		if errors.As(err, &verr) {
			return nil, status.Error(codes.InvalidArgument, verr.Error())
		}
		b.logger.Error("billing computation failed", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}

	resp, err := structpb.NewStruct(result.Envelope())
	if err != nil {
		b.logger.Error("failed to encode billing response", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}

	b.record(metrics.OutcomeOK)
	b.logger.Debug("billing computed",
		"predicted_total_kwh", result.PredictedTotalKWh,
		"appliances", len(result.Impacts),
	)
	return resp, nil
}

func (b *Billing) record(outcome string) {
	if b.metrics != nil {
		b.metrics.RecordBilling("grpc", outcome)
	}
}

// loggingInterceptor logs every unary call with its status code.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("gRPC request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// recoveryInterceptor turns a panicking handler into codes.Internal so one
// bad request cannot take the process down.
func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					"error", r,
					"method", info.FullMethod,
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
