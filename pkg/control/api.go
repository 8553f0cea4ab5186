// Package control implements the local operator control API of a vault.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/vault"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server
type Server struct {
	mu     sync.RWMutex
	vault  *vault.Vault
	logger *zap.Logger
}

// NewServer creates a new control API server
func NewServer(v *vault.Vault, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		vault:  v,
		logger: logger,
	}
}

// Serve starts the control API server on the given listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var request Request
			if err := decoder.Decode(&request); err != nil {
				return
			}

			response := s.Handle(ctx, request)

			if err := encoder.Encode(response); err != nil {
				return
			}
		}
	}
}

// Handle processes a single API request. Requests without an id get one so
// that the reply can be matched in the logs.
func (s *Server) Handle(ctx context.Context, request Request) Response {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	s.logger.Debug("control request", zap.String("id", request.ID), zap.String("method", request.Method))

	switch request.Method {
	case "GetInfo":
		return s.handleGetInfo(request)
	case "section.view":
		return s.handleSectionView(request)
	case "admission.account":
		return s.handleAccount(request)
	case "capacity.status":
		return s.handleCapacity(request)
	case "resync":
		return s.handleResync(ctx, request)
	case "log.level":
		return s.handleLogLevel(request)
	default:
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("unknown method: %s", request.Method),
		}
	}
}

// handleGetInfo reports who this vault is and how it is doing
func (s *Server) handleGetInfo(request Request) Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	self := s.vault.Self()
	result := map[string]interface{}{
		"id":        self.ID,
		"name":      self.Name.String(),
		"endpoint":  self.Endpoint,
		"network":   s.vault.Settings().NetworkName,
		"state":     s.vault.State().String(),
		"member":    s.vault.IsMember(),
		"consensus": s.vault.Coordinator().Status(),
	}
	if view := s.vault.View(); view != nil {
		result["prefix"] = view.Prefix.Display()
		result["seq"] = view.Seq
		result["section_size"] = view.Size()
	}
	if err := s.vault.Health(); err != nil {
		result["health"] = err.Error()
	}

	return Response{
		ID:     request.ID,
		Result: result,
	}
}

// handleSectionView returns the view of the local section, or of the
// section with the given prefix
func (s *Server) handleSectionView(request Request) Response {
	sections := s.vault.Sections()

	st := sections.Own()
	if raw, ok := request.Params["prefix"].(string); ok {
		prefix, err := xorname.ParsePrefix(raw)
		if err != nil {
			return Response{
				ID:    request.ID,
				Error: fmt.Sprintf("invalid prefix: %v", err),
			}
		}
		st = sections.Get(prefix)
	}
	if st == nil {
		return Response{
			ID:    request.ID,
			Error: "section not known",
		}
	}

	prefixes := sections.Prefixes()
	known := make([]string, len(prefixes))
	for i, p := range prefixes {
		known[i] = p.Display()
	}

	result := map[string]interface{}{
		"view":     st.CurrentView(),
		"sections": known,
	}
	if err := st.Halted(); err != nil {
		result["halted"] = err.Error()
	}
	return Response{
		ID:     request.ID,
		Result: result,
	}
}

// handleAccount reports a client's mutation usage
func (s *Server) handleAccount(request Request) Response {
	raw, ok := request.Params["client"].(string)
	if !ok || raw == "" {
		return Response{
			ID:    request.ID,
			Error: "client parameter is required",
		}
	}
	client, err := xorname.Parse(raw)
	if err != nil {
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("invalid client name: %v", err),
		}
	}

	info := s.vault.Limiter().AccountInfo(client)
	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"client":              client.String(),
			"mutations_done":      info.MutationsDone,
			"mutations_available": info.MutationsAvailable,
			"banned":              s.vault.Limiter().IsBanned(client),
		},
	}
}

// handleCapacity reports storage usage
func (s *Server) handleCapacity(request Request) Response {
	return Response{
		ID:     request.ID,
		Result: s.vault.Governor().Ledger(),
	}
}

// handleResync asks the section for a fresh snapshot of its state
func (s *Server) handleResync(ctx context.Context, request Request) Response {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.vault.Resync(ctx); err != nil {
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("failed to resync: %v", err),
		}
	}
	s.logger.Info("operator requested resync", zap.String("id", request.ID))
	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"success": true,
		},
	}
}

// handleLogLevel reads or changes per-subsystem log levels
func (s *Server) handleLogLevel(request Request) Response {
	logs := s.vault.Logging()
	if logs == nil {
		return Response{
			ID:    request.ID,
			Error: "logging not configured",
		}
	}

	if level, ok := request.Params["level"].(string); ok {
		subsystem, _ := request.Params["subsystem"].(string)
		if err := logs.SetLevel(subsystem, level); err != nil {
			return Response{
				ID:    request.ID,
				Error: fmt.Sprintf("failed to set level: %v", err),
			}
		}
	}

	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"levels": logs.Levels(),
		},
	}
}
