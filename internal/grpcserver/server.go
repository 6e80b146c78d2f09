// Package grpcserver serves the editing service as the
// chapterhub.v1.ChapterService gRPC service, encoded as JSON.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"chapterhub/internal/auth"
	"chapterhub/internal/conflict"
	"chapterhub/internal/editing"
	"chapterhub/internal/lock"
	"chapterhub/internal/parser"
	"chapterhub/internal/store"
	"chapterhub/pkg/models"
)

const ServiceName = "chapterhub.v1.ChapterService"

// EditorMetadataKey carries the caller when tokens are not required.
const EditorMetadataKey = "x-editor-id"

type ChapterServiceServer interface {
	Parse(context.Context, *ParseRequest) (*ParseResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Acquire(context.Context, *AcquireRequest) (*LeaseResponse, error)
	Release(context.Context, *LeaseRequest) (*ReleaseResponse, error)
	Touch(context.Context, *LeaseRequest) (*LeaseResponse, error)
	Commit(context.Context, *CommitRequest) (*OutcomeResponse, error)
	Resolve(context.Context, *ResolveRequest) (*OutcomeResponse, error)
}

type Server struct {
	Service *editing.Service
}

func NewServer(svc *editing.Service) *Server {
	return &Server{Service: svc}
}

var _ ChapterServiceServer = (*Server)(nil)

func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChapterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Parse", (*Server).Parse),
		unary("Get", (*Server).Get),
		unary("Acquire", (*Server).Acquire),
		unary("Release", (*Server).Release),
		unary("Touch", (*Server).Touch),
		unary("Commit", (*Server).Commit),
		unary("Resolve", (*Server).Resolve),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chapterhub/v1/chapters",
}

func Register(gs grpc.ServiceRegistrar, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// IdentityInterceptor resolves the caller from a bearer token in the
// "authorization" metadata or, when not required, from x-editor-id.
func IdentityInterceptor(tokens auth.TokenService, required bool, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		if raw, ok := bearerFrom(md); ok {
			claims, err := tokens.Parse(raw)
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, "invalid token")
			}
			ctx = auth.WithCaller(ctx, claims.EditorID)
		} else if required {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		} else if vals := md.Get(EditorMetadataKey); len(vals) > 0 && strings.TrimSpace(vals[0]) != "" {
			ctx = auth.WithCaller(ctx, strings.TrimSpace(vals[0]))
		}

		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("rpc failed", "method", info.FullMethod, "caller", auth.CallerFromContext(ctx), "code", status.Code(err).String())
		}
		return resp, err
	}
}

func bearerFrom(md metadata.MD) (string, bool) {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", false
	}
	h := strings.TrimSpace(vals[0])
	if len(h) < len("bearer ") || !strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(h[len("bearer "):])
	return raw, raw != ""
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "id required")
	}
	return id, nil
}

func (s *Server) Parse(_ context.Context, req *ParseRequest) (*ParseResponse, error) {
	res := s.Service.Parse(req.Text)
	return &ParseResponse{
		Candidates: res.Candidates,
		Unmatched:  res.Unmatched,
		Summary:    parser.Summarize(res.Candidates),
	}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	id, err := requireID(req.ID)
	if err != nil {
		return nil, err
	}
	view, err := s.Service.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Record: view.Record, Lease: view.Lease}, nil
}

func (s *Server) Acquire(ctx context.Context, req *AcquireRequest) (*LeaseResponse, error) {
	id, err := requireID(req.ID)
	if err != nil {
		return nil, err
	}
	if req.TTLSeconds < 0 {
		return nil, status.Error(codes.InvalidArgument, "ttl_seconds must be >= 0")
	}
	l, err := s.Service.Acquire(ctx, id, auth.CallerFromContext(ctx), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LeaseResponse{Lease: l}, nil
}

func (s *Server) Release(ctx context.Context, req *LeaseRequest) (*ReleaseResponse, error) {
	id, err := requireID(req.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Service.Release(ctx, id, auth.CallerFromContext(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return &ReleaseResponse{}, nil
}

func (s *Server) Touch(ctx context.Context, req *LeaseRequest) (*LeaseResponse, error) {
	id, err := requireID(req.ID)
	if err != nil {
		return nil, err
	}
	l, err := s.Service.Touch(ctx, id, auth.CallerFromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return &LeaseResponse{Lease: l}, nil
}

// Commit returns the conflict report in the response, not as an error.
func (s *Server) Commit(ctx context.Context, req *CommitRequest) (*OutcomeResponse, error) {
	id, err := requireID(req.ID)
	if err != nil {
		return nil, err
	}
	if req.BaseVersion < 1 {
		return nil, status.Error(codes.InvalidArgument, "base_version must be >= 1")
	}
	out, err := s.Service.Commit(ctx, id, req.BaseVersion, req.Changes, auth.CallerFromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return &OutcomeResponse{Outcome: out}, nil
}

func (s *Server) Resolve(ctx context.Context, req *ResolveRequest) (*OutcomeResponse, error) {
	if req.Report == nil {
		return nil, status.Error(codes.InvalidArgument, "report required")
	}
	out, err := s.Service.Resolve(ctx, req.Report, req.Resolution, auth.CallerFromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return &OutcomeResponse{Outcome: out}, nil
}

func toStatus(err error) error {
	var (
		verr   *models.ValidationError
		denied *lock.DeniedError
	)
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.As(err, &denied):
		return status.Error(codes.FailedPrecondition, denied.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, store.ErrDuplicateNumber):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, conflict.ErrLeaseNotHeld), errors.Is(err, lock.ErrNotHeld):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, conflict.ErrIncompleteResolution),
		errors.Is(err, conflict.ErrInvalidResolution),
		errors.Is(err, lock.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, editing.ErrCallerRequired):
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
