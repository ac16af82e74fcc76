package classifiers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/triage-ai/guardclaw/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func testRequest() *engine.ScoreRequest {
	return engine.NewScoreRequest(engine.Action{
		Backend: "openclaw", SessionKey: "s1", Kind: engine.KindExec, Tool: "exec", Target: "npm install",
	})
}

func unlimited() *rate.Limiter { return rate.NewLimiter(rate.Inf, 0) }

func classifierKind(t *testing.T, err error) engine.ClassifierErrorKind {
	t.Helper()
	var ce *engine.ClassifierError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ClassifierError, got %T: %v", err, err)
	}
	return ce.Kind
}

func TestNew_Backends(t *testing.T) {
	logger := zap.NewNop()

	cl, err := New(Config{Backend: "none"}, logger)
	if err != nil || cl != nil {
		t.Fatalf("none backend: got %v, %v", cl, err)
	}
	if _, err := New(Config{Backend: "http"}, logger); err == nil {
		t.Error("http backend without endpoint should fail")
	}
	if _, err := New(Config{Backend: "carrier-pigeon", Endpoint: "x"}, logger); err == nil {
		t.Error("unknown backend should fail")
	}
	cl, err = New(Config{Backend: "HTTP", Endpoint: "http://localhost:1"}, logger)
	if err != nil || cl.Name() != "http" {
		t.Fatalf("http backend: got %v, %v", cl, err)
	}
}

func TestHTTPClassifier_ParsesProseWrappedJSON(t *testing.T) {
	received := make(chan engine.ScoreRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		var in engine.ScoreRequest
		json.NewDecoder(r.Body).Decode(&in)
		received <- in
		w.Write([]byte(`Sure! Here is my analysis: {"score": 6, "category": "network", "reasoning": "installs deps", "warnings": ["egress"]} Hope this helps.`))
	}))
	defer srv.Close()

	cl := NewHTTPClassifier(srv.URL, "k", unlimited(), zap.NewNop())
	res, err := cl.Score(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Score != 6 || res.Category != "network" || len(res.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := <-received
	if got.Target != "npm install" || got.Context["backend"] != "openclaw" {
		t.Errorf("request body not forwarded: %+v", got)
	}
}

func TestHTTPClassifier_SchemaViolationIsMalformed(t *testing.T) {
	for _, body := range []string{
		`{"score": 42}`,
		`{"category": "x"}`,
		`{"score": "high"}`,
		`no json here`,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		cl := NewHTTPClassifier(srv.URL, "", unlimited(), zap.NewNop())
		_, err := cl.Score(context.Background(), testRequest())
		srv.Close()
		if err == nil {
			t.Errorf("%q: expected error", body)
			continue
		}
		if k := classifierKind(t, err); k != engine.ErrKindMalformed {
			t.Errorf("%q: expected malformed, got %s", body, k)
		}
	}
}

func TestHTTPClassifier_StatusErrors(t *testing.T) {
	cases := map[int]engine.ClassifierErrorKind{
		http.StatusInternalServerError: engine.ErrKindUnavailable,
		http.StatusTooManyRequests:     engine.ErrKindRateLimited,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		cl := NewHTTPClassifier(srv.URL, "", unlimited(), zap.NewNop())
		_, err := cl.Score(context.Background(), testRequest())
		srv.Close()
		if k := classifierKind(t, err); k != want {
			t.Errorf("status %d: expected %s, got %s", code, want, k)
		}
	}
}

func TestHTTPClassifier_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"score": 1}`))
	}))
	defer srv.Close()

	cl := NewHTTPClassifier(srv.URL, "", rate.NewLimiter(rate.Limit(0.001), 1), zap.NewNop())
	if _, err := cl.Score(context.Background(), testRequest()); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := cl.Score(context.Background(), testRequest())
	if k := classifierKind(t, err); k != engine.ErrKindRateLimited {
		t.Fatalf("expected rate_limited, got %s", k)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("rate-limited call should not reach the server, got %d calls", n)
	}
}

func TestHTTPClassifier_Unreachable(t *testing.T) {
	cl := NewHTTPClassifier("http://127.0.0.1:1", "", unlimited(), zap.NewNop())
	_, err := cl.Score(context.Background(), testRequest())
	if k := classifierKind(t, err); k != engine.ErrKindUnavailable {
		t.Fatalf("expected unavailable, got %s", k)
	}
}

// startScoreServer runs an in-process gRPC server that answers ScoreMethod
// with handler.
func startScoreServer(t *testing.T, handler func(*structpb.Struct) (*structpb.Struct, error)) string {
	t.Helper()
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != ScoreMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := handler(in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCClassifier_Score(t *testing.T) {
	addr := startScoreServer(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		if in.Fields["target"].GetStringValue() != "npm install" {
			return nil, status.Error(codes.InvalidArgument, "bad target")
		}
		return structpb.NewStruct(map[string]any{"score": 3, "category": "package", "reasoning": "ok"})
	})

	cl, err := NewGRPCClassifier(addr, unlimited(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGRPCClassifier: %v", err)
	}
	defer cl.Close()

	res, err := cl.Score(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Score != 3 || res.Category != "package" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGRPCClassifier_ErrorKinds(t *testing.T) {
	addr := startScoreServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.ResourceExhausted, "slow down")
	})
	cl, err := NewGRPCClassifier(addr, unlimited(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGRPCClassifier: %v", err)
	}
	defer cl.Close()

	_, err = cl.Score(context.Background(), testRequest())
	if k := classifierKind(t, err); k != engine.ErrKindRateLimited {
		t.Fatalf("expected rate_limited, got %s", k)
	}
}

func TestGRPCClassifier_MalformedResponse(t *testing.T) {
	addr := startScoreServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"verdict": "fine"})
	})
	cl, err := NewGRPCClassifier(addr, unlimited(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGRPCClassifier: %v", err)
	}
	defer cl.Close()

	_, err = cl.Score(context.Background(), testRequest())
	if k := classifierKind(t, err); k != engine.ErrKindMalformed {
		t.Fatalf("expected malformed, got %s", k)
	}
}
