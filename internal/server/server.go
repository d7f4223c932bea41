package server

// ============================================================================
// gRPC 服務實作
// 職責：把 RPC 請求轉給 session registry 中對應的編排器
//
// 錯誤對應：
//   - 未知 session           → codes.NotFound
//   - id/action/參數錯誤      → codes.InvalidArgument
//   - 呼叫者在排隊時取消/逾時 → codes.Canceled / codes.DeadlineExceeded
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/internal/plan"
	"github.com/ChuLiYu/beaver-orchestrator/internal/session"
	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// Config 服務配置
type Config struct {
	DefaultSession  string        // 請求未帶 session 時使用
	DefaultTimeout  time.Duration // 請求未帶 timeout 時套用
	ShutdownTimeout time.Duration // GracefulStop 的上限，超過則強制 Stop；0 表示無限等待
	Logger          *slog.Logger
}

// Server implements OrchestratorServer on top of a session registry.
type Server struct {
	sessions        *session.Registry
	defaultSession  string
	defaultTimeout  time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// NewServer creates a new gRPC server instance.
func NewServer(sessions *session.Registry, cfg Config) *Server {
	if cfg.DefaultSession == "" {
		cfg.DefaultSession = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		sessions:        sessions,
		defaultSession:  cfg.DefaultSession,
		defaultTimeout:  cfg.DefaultTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             cfg.Logger.With("category", "server"),
	}
}

// Register handles effect registration; the session is opened on first use.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := s.sessionOf(req)

	step, err := stepFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "register: %v", err)
	}
	if step.Timeout == 0 {
		step.Timeout = s.defaultTimeout
	}
	effect, err := step.Effect()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "register %s: %v", step.ID, err)
	}

	orch, err := s.sessions.Open(sessionID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "register: %v", err)
	}
	if err := orch.Register(types.EffectID(step.ID), effect, types.WithOptions(step.Options())); err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]any{
		"session": sessionID,
		"id":      step.ID,
		"pending": orch.Pending(),
	})
}

// Cancel removes a pending effect.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := s.sessionOf(req)
	id := stringField(req, "id")

	orch, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := orch.Cancel(types.EffectID(id)); err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]any{
		"session": sessionID,
		"id":      id,
		"pending": orch.Pending(),
	})
}

// Execute runs (or queues for) a pass and returns its results.
func (s *Server) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := s.sessionOf(req)

	orch, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	results, err := orch.Execute(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	encoded, err := toStruct(results)
	if err != nil {
		s.log.Error("Failed to encode results", "session", sessionID, "error", err)
		return nil, status.Errorf(codes.Internal, "encode results: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session": structpb.NewStringValue(sessionID),
		"results": structpb.NewStructValue(encoded),
		"pending": structpb.NewNumberValue(float64(orch.Pending())),
	}}, nil
}

// Status reports one session, or every open session when none is named.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	type sessionStatus struct {
		ID string `json:"id"`
		orchestrator.Status
	}

	var list []sessionStatus
	if id := stringField(req, "session"); id != "" {
		orch, err := s.sessions.Get(id)
		if err != nil {
			return nil, toStatus(err)
		}
		list = append(list, sessionStatus{ID: id, Status: orch.Status()})
	} else {
		for _, info := range s.sessions.List() {
			orch, err := s.sessions.Get(info.ID)
			if err != nil {
				// closed between List and Get
				continue
			}
			list = append(list, sessionStatus{ID: info.ID, Status: orch.Status()})
		}
	}

	sessions, err := toValue(list)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"sessions": sessions,
	}}, nil
}

// Serve 在 lis 上提供服務，ctx 結束時 GracefulStop
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	RegisterOrchestratorServer(gs, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("Stopping gRPC server")
		s.stop(gs)
		return nil
	}
}

// stop 等待進行中的 RPC（含正在執行的 pass）結束，超過 shutdownTimeout 則強制關閉
func (s *Server) stop(gs *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()

	if s.shutdownTimeout <= 0 {
		<-stopped
		return
	}
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		s.log.Warn("Graceful stop timed out, closing connections", "timeout", s.shutdownTimeout)
		gs.Stop()
		<-stopped
	}
}

func (s *Server) sessionOf(req *structpb.Struct) string {
	if id := stringField(req, "session"); id != "" {
		return id
	}
	return s.defaultSession
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrNoOrchestrator):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orchestrator.ErrEmptyID),
		errors.Is(err, orchestrator.ErrNilEffect),
		errors.Is(err, plan.ErrUnknownAction):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, fmt.Sprint(err))
	}
}
