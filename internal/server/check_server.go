package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/guardclaw/internal/auth"
	"github.com/triage-ai/guardclaw/internal/engine"
	"github.com/triage-ai/guardclaw/internal/eventstore"
	"github.com/triage-ai/guardclaw/internal/normalize"
	"github.com/triage-ai/guardclaw/internal/pipeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CheckMethod is the full gRPC method name of the Check RPC. Request and
// response are google.protobuf.Struct messages with the same fields as the
// HTTP /api/check body.
const CheckMethod = "/guardclaw.v1.GuardClawService/Check"

const grpcBackend = "grpc"

// Evaluator runs one action through the decision pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, a engine.Action) (eventstore.Event, error)
}

// CheckService is the server-side contract of GuardClawService.
type CheckService interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// CheckServer implements GuardClawService for hook-style integrations that
// prefer gRPC over HTTP.
type CheckServer struct {
	eval   Evaluator
	auth   auth.Authenticator
	logger *zap.Logger
}

// NewCheckServer creates a CheckServer. A nil authenticator disables auth.
func NewCheckServer(eval Evaluator, authenticator auth.Authenticator, logger *zap.Logger) *CheckServer {
	return &CheckServer{eval: eval, auth: authenticator, logger: logger}
}

// Register adds the service to a gRPC server.
func (s *CheckServer) Register(gs *grpc.Server) {
	gs.RegisterService(&checkServiceDesc, s)
}

// Check evaluates one action and returns the decision.
func (s *CheckServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()

	if s.auth != nil {
		if err := s.authenticate(ctx); err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		}
	}

	a, err := actionFromStruct(req, start)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	e, err := s.eval.Evaluate(ctx, a)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrClosed):
			return nil, status.Error(codes.Unavailable, "shutting down")
		case errors.Is(err, pipeline.ErrDuplicate):
			return nil, status.Error(codes.AlreadyExists, "action is already being evaluated")
		default:
			s.logger.Error("grpc check failed", zap.String("action_id", a.ID), zap.Error(err))
			return nil, status.Error(codes.Internal, "evaluation failed")
		}
	}

	latencyMs := float64(time.Since(start).Microseconds()) / 1000
	out, err := responseStruct(e, latencyMs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *CheckServer) authenticate(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	token, err := auth.ExtractBearer(header)
	if err != nil {
		return err
	}
	_, err = s.auth.Authenticate(ctx, token)
	return err
}

func actionFromStruct(req *structpb.Struct, now time.Time) (engine.Action, error) {
	fields := req.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	tool, kindName := str("tool"), str("kind")
	if tool == "" && kindName == "" {
		return engine.Action{}, errors.New("tool or kind is required")
	}
	kind := normalize.KindForTool(tool)
	if kindName != "" {
		kind = engine.ParseActionKind(kindName)
	}
	var args map[string]any
	if sv := fields["args"].GetStructValue(); sv != nil {
		args = sv.AsMap()
	}
	target := str("target")
	if target == "" {
		target = normalize.ExtractTarget(kind, args)
	}
	if target == "" {
		return engine.Action{}, errors.New("target or args is required")
	}

	id := str("id")
	if id == "" {
		id = "grpc:" + uuid.NewString()
	}
	backend := str("backend")
	if backend == "" {
		backend = grpcBackend
	}
	a := engine.Action{
		ID:         id,
		Timestamp:  now,
		Backend:    backend,
		SessionKey: str("sessionKey"),
		Tool:       tool,
		Kind:       kind,
		Target:     target,
	}
	if sv := fields["args"]; sv != nil {
		if raw, err := sv.MarshalJSON(); err == nil {
			a.RawPayload = raw
		}
	}
	return a, nil
}

func responseStruct(e eventstore.Event, latencyMs float64) (*structpb.Struct, error) {
	warnings := make([]any, 0, len(e.Assessment.Warnings))
	for _, w := range e.Assessment.Warnings {
		warnings = append(warnings, w)
	}
	return structpb.NewStruct(map[string]any{
		"id":            e.ID,
		"verdict":       string(e.Decision.Verdict),
		"policyVerdict": string(e.Decision.PolicyVerdict),
		"shadow":        e.Decision.Shadow,
		"offline":       e.Decision.Offline,
		"reason":        e.Decision.Reason,
		"score":         e.Assessment.Score,
		"category":      e.Assessment.Category,
		"source":        string(e.Assessment.Source),
		"cached":        e.Assessment.Cached,
		"warnings":      warnings,
		"status":        string(e.Status),
		"approvalId":    e.ApprovalID,
		"latencyMs":     latencyMs,
	})
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckService).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckService).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var checkServiceDesc = grpc.ServiceDesc{
	ServiceName: "guardclaw.v1.GuardClawService",
	HandlerType: (*CheckService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "guardclaw/v1/guardclaw.proto",
}

// UnaryLogging logs every unary call with its status code and latency.
func UnaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
