package classifiers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ScoreMethod is the unary method a gRPC classifier service must expose.
// Request and response are google.protobuf.Struct messages carrying the
// same fields as the HTTP JSON body.
const ScoreMethod = "/guardclaw.classifier.v1.ClassifierService/Score"

// GRPCClassifier calls a remote scoring service over gRPC.
type GRPCClassifier struct {
	conn    *grpc.ClientConn
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGRPCClassifier creates a gRPC classifier. endpoint is a gRPC target
// (e.g. "classifier:50052").
func NewGRPCClassifier(endpoint string, limiter *rate.Limiter, logger *zap.Logger) (*GRPCClassifier, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("NewGRPCClassifier: %w", err)
	}

	logger.Info("grpc classifier configured", zap.String("endpoint", endpoint))

	return &GRPCClassifier{conn: conn, limiter: limiter, logger: logger}, nil
}

func (c *GRPCClassifier) Name() string { return "grpc" }

func (c *GRPCClassifier) Score(ctx context.Context, req *engine.ScoreRequest) (*engine.ScoreResult, error) {
	if !c.limiter.Allow() {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindRateLimited, fmt.Errorf("outbound budget exhausted"))
	}

	in, err := requestStruct(req)
	if err != nil {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindUnavailable, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ScoreMethod, in, out); err != nil {
		return nil, engine.NewClassifierError(c.Name(), grpcErrorKind(err), err)
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, engine.NewClassifierError(c.Name(), engine.ErrKindMalformed, err)
	}
	return parseScore(c.Name(), raw)
}

// Close shuts down the gRPC connection.
func (c *GRPCClassifier) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func requestStruct(req *engine.ScoreRequest) (*structpb.Struct, error) {
	ctxFields := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		ctxFields[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"kind":    string(req.Kind),
		"tool":    req.Tool,
		"target":  req.Target,
		"context": ctxFields,
	})
}

func grpcErrorKind(err error) engine.ClassifierErrorKind {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Canceled:
		return engine.ErrKindTimeout
	case codes.ResourceExhausted:
		return engine.ErrKindRateLimited
	default:
		return engine.ErrKindUnavailable
	}
}
