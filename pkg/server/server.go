// Roleplay - persona-driven conversation runtime
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 Roleplay contributors

// Package server exposes role-play sessions over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/roleplay/pkg/chatlog"
	"github.com/dotsetgreg/roleplay/pkg/director"
	"github.com/dotsetgreg/roleplay/pkg/logger"
	"github.com/dotsetgreg/roleplay/pkg/persona"
	"github.com/dotsetgreg/roleplay/pkg/providers"
	"github.com/dotsetgreg/roleplay/pkg/session"
)

// Conversations is the session front the handlers drive.
type Conversations interface {
	Chat(ctx context.Context, sessionID, role, message string) (director.Reply, error)
	Close(ctx context.Context, sessionID string) error
	Active() []string
}

// History reads the chat log.
type History interface {
	ListExchanges(ctx context.Context, sessionID string, limit int) ([]chatlog.Exchange, error)
}

type Server struct {
	engine   *gin.Engine
	convs    Conversations
	table    *persona.Table
	history  History
	upgrader websocket.Upgrader

	mu  sync.Mutex
	srv *http.Server
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Response  string `json:"response,omitempty"`
	Role      string `json:"role,omitempty"`
	Ended     bool   `json:"ended"`
	EndReason string `json:"end_reason,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
	Error     string `json:"error,omitempty"`
}

type personaView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	HasMemory bool     `json:"has_memory"`
}

// New builds the router. history may be nil when no chat log is configured.
func New(convs Conversations, table *persona.Table, history History) *Server {
	s := &Server{
		engine:  gin.New(),
		convs:   convs,
		table:   table,
		history: history,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	Setup(s.engine)
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/personas", s.handlePersonas)
	api.POST("/chat", s.handleChat)
	api.DELETE("/sessions/:id", s.handleCloseSession)
	api.GET("/history/:session_id", s.handleHistory)

	s.engine.GET("/ws/chat", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	logger.InfoCF("server", "HTTP server listening", map[string]any{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": len(s.convs.Active()),
	})
}

func (s *Server) handlePersonas(c *gin.Context) {
	list := s.table.List()
	views := make([]personaView, 0, len(list))
	for _, p := range list {
		views = append(views, personaView{
			ID:        p.ID,
			Name:      p.Name,
			Aliases:   p.Aliases,
			HasMemory: p.Memory != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"personas": views})
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chatResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, chatResponse{SessionID: req.SessionID, Error: "message is required"})
		return
	}

	reply, err := s.convs.Chat(c.Request.Context(), req.SessionID, req.Role, req.Message)
	if err != nil {
		c.JSON(statusFor(err), chatResponse{
			SessionID: reply.SessionID,
			Role:      reply.Persona,
			Error:     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, toChatResponse(reply))
}

func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.convs.Close(c.Request.Context(), id); err != nil {
		if errors.Is(err, director.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": id})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat log is not configured"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	id := c.Param("session_id")
	exchanges, err := s.history.ListExchanges(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "exchanges": exchanges})
}

func toChatResponse(r director.Reply) chatResponse {
	return chatResponse{
		Success:   true,
		SessionID: r.SessionID,
		Response:  r.Content,
		Role:      r.Persona,
		Ended:     r.Ended,
		EndReason: string(r.EndReason),
		Fallback:  r.Fallback,
	}
}

// statusFor maps a round failure to an HTTP status.
func statusFor(err error) int {
	var gwErr *providers.GatewayError
	var trErr *providers.TransportError
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, director.ErrSessionEnded):
		return http.StatusGone
	case errors.As(err, &gwErr), errors.As(err, &trErr), errors.Is(err, providers.ErrEmptyCompletion):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
