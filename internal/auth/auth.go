package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// KeyPrefix marks a session ingest key.
const KeyPrefix = "tsk_"

// ErrUnauthenticated is returned when no valid ingest key is found.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the project that owns the ingest key on an incoming
// gRPC call.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Project, error)
}

// Project is the tenant that telemetry is written under.
type Project struct {
	ProjectID string
	// Degraded is set when the key store was unreachable and the request was
	// admitted under fail-open.
	Degraded bool
}

// ExtractBearerToken extracts a tsk_ ingest key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < 8 {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type projectCtxKey struct{}

// WithProject returns a context carrying the authenticated project.
func WithProject(ctx context.Context, p *Project) context.Context {
	return context.WithValue(ctx, projectCtxKey{}, p)
}

// ProjectFromContext returns the project stored by the interceptor, or nil.
func ProjectFromContext(ctx context.Context) *Project {
	p, _ := ctx.Value(projectCtxKey{}).(*Project)
	return p
}

// UnaryServerInterceptor authenticates every unary call and stores the
// project in the handler's context. Health checks pass through.
func UnaryServerInterceptor(a Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		project, err := a.Authenticate(ctx)
		if err != nil {
			logger.Warn("collector auth failed",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}
		return handler(WithProject(ctx, project), req)
	}
}
