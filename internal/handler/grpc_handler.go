package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// RequestGateServiceName is the fully qualified gRPC service name.
const RequestGateServiceName = "workflows.v1.RequestGate"

const orgMetadataKey = "x-organization-id"

// RequestGateServer is the server API of workflows.v1.RequestGate.
type RequestGateServer interface {
	Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RequestGateServiceDesc describes workflows.v1.RequestGate. Messages are
// google.protobuf.Struct, so no generated code is needed.
var RequestGateServiceDesc = grpc.ServiceDesc{
	ServiceName: RequestGateServiceName,
	HandlerType: (*RequestGateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryStruct("Evaluate", RequestGateServer.Evaluate)},
		{MethodName: "Decide", Handler: unaryStruct("Decide", RequestGateServer.Decide)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workflows/v1/request_gate.proto",
}

func unaryStruct(method string, call func(RequestGateServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RequestGateServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + RequestGateServiceName + "/" + method,
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(RequestGateServer), ctx, req.(*structpb.Struct))
		})
	}
}

// GRPCHandler implements workflows.v1.RequestGate on top of the request service.
type GRPCHandler struct {
	requests Requests
	tokens   *session.TokenParser
	log      *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(requests Requests, tokens *session.TokenParser, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		requests: requests,
		tokens:   tokens,
		log:      log.Component("grpc"),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&RequestGateServiceDesc, h)
}

// Evaluate returns the request with the caller's approval availability.
// Input: {"requestId": "..."}.
func (h *GRPCHandler) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := h.session(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := requiredString(in, "requestId")
	if err != nil {
		return nil, toStatus(err)
	}

	view, err := h.requests.GetRequest(ctx, sess, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(view)
}

// Decide records an approval or rejection for the request's outstanding step.
// Input: {"requestId": "...", "status": "approved|rejected", "comments": "..."}.
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := h.session(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := requiredString(in, "requestId")
	if err != nil {
		return nil, toStatus(err)
	}
	decision, err := requiredString(in, "status")
	if err != nil {
		return nil, toStatus(err)
	}

	input := service.DecideInput{Decision: workflow.Decision(decision)}
	if v, ok := in.GetFields()["comments"]; ok {
		c := v.GetStringValue()
		input.Comments = &c
	}

	h.log.Info().
		Str("organization_id", sess.OrganizationID).
		Str("request_id", id).
		Str("decision", decision).
		Msg("gRPC Decide called")

	result, err := h.requests.Decide(ctx, sess, id, input)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(result)
}

// UnaryLogger logs every unary call with its duration and status code.
func UnaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)
		ev := log.Debug()
		if code == codes.Internal || code == codes.Unknown || code == codes.Unavailable {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

func (h *GRPCHandler) session(ctx context.Context) (session.Session, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	token, ok := session.BearerToken(first(md, "authorization"))
	if !ok {
		return session.Session{}, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}
	id, err := h.tokens.Parse(token)
	if err != nil {
		return session.Session{}, err
	}
	orgID := strings.TrimSpace(first(md, orgMetadataKey))
	if orgID == "" {
		return session.Session{}, errors.InvalidInput(orgMetadataKey, "organization id metadata is required")
	}
	return session.ForOrganization(session.WithIdentity(ctx, id), orgID)
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func requiredString(in *structpb.Struct, field string) (string, error) {
	v := strings.TrimSpace(in.GetFields()[field].GetStringValue())
	if v == "" {
		return "", errors.InvalidInput(field, field+" is required")
	}
	return v, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		code = codes.NotFound
	case errors.ErrCodeInvalidInput:
		code = codes.InvalidArgument
	case errors.ErrCodeConflict:
		code = codes.FailedPrecondition
	case errors.ErrCodeUnauthorized:
		code = codes.Unauthenticated
	case errors.ErrCodeForbidden:
		code = codes.PermissionDenied
	case errors.ErrCodeUpstream:
		code = codes.Unavailable
	case errors.ErrCodePartialFailure:
		code = codes.Aborted
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, errors.MessageOf(err))
}
