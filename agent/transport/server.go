package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	servicex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/service"
)

type Config struct {
	Host           string        `envconfig:"HOST" default:"0.0.0.0"`
	Port           int           `envconfig:"PORT" default:"8080"`
	Debug          bool          `envconfig:"DEBUG" default:"false"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" split_words:"true" default:"30s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" split_words:"true" default:"30s"`
	TokenTTL       time.Duration `envconfig:"TOKEN_TTL" split_words:"true" default:"45s"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" split_words:"true"`
}

// Server is the HTTP and WebSocket surface. Turn submission returns fast with
// a stream token; events arrive over the WebSocket attachment.
type Server struct {
	svc        *servicex.Service
	hub        *Hub
	tokens     *TokenIssuer
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg Config, svc *servicex.Service) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("turn service is required")
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		svc:    svc,
		hub:    NewHub(),
		tokens: NewTokenIssuer(cfg.TokenTTL),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.AllowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if strings.EqualFold(origin, allowed) {
						return true
					}
				}
				return false
			},
		},
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/v1")
	conversations := v1.Group("/conversations")
	{
		conversations.POST("/:id/turns", s.handleTurn)
		conversations.POST("/:id/stream/token", s.handleStreamToken)
		conversations.GET("/:id/stream", s.handleStream)
		conversations.POST("/:id/cancel", s.handleCancel)
	}
}

// Engine exposes the router so callers can mount extra routes (the archive
// delivery webhook) before Start.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("transport listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type turnRequest struct {
	Text string `json:"text" binding:"required"`
}

type turnResponse struct {
	ConversationID string `json:"conversation_id"`
	StreamToken    string `json:"stream_token"`
	StreamPath     string `json:"stream_path"`
}

// handleTurn accepts the user's message, kicks off the run in the background,
// and returns a stream token so the client can attach for events.
func (s *Server) handleTurn(c *gin.Context) {
	conversationID := c.Param("id")
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	token, err := s.tokens.Issue(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start the run"})
		return
	}

	stream := s.hub.Stream(conversationID)
	go func() {
		terminal := s.svc.HandleTurn(context.Background(), conversationID, text, stream)
		log.Info().
			Str("conversation_id", conversationID).
			Str("terminal", string(terminal.Type)).
			Msg("run finished")
	}()

	c.JSON(http.StatusAccepted, turnResponse{
		ConversationID: conversationID,
		StreamToken:    token,
		StreamPath:     fmt.Sprintf("/v1/conversations/%s/stream", conversationID),
	})
}

// handleStreamToken mints a fresh single-use token for reconnecting to an
// existing stream.
func (s *Server) handleStreamToken(c *gin.Context) {
	token, err := s.tokens.Issue(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mint token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_token": token})
}

func (s *Server) handleCancel(c *gin.Context) {
	if s.svc.Cancel(c.Param("id")) {
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no active run"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// clientMessage is what the attached client may send: acks advance the replay
// cursor, cancel requests stop the in-flight run at the next checkpoint.
type clientMessage struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}

const (
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	writeDeadline = 10 * time.Second
)

func (s *Server) handleStream(c *gin.Context) {
	conversationID := c.Param("id")
	if err := s.tokens.Redeem(c.Query("token"), conversationID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid stream token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	stream := s.hub.Stream(conversationID)
	replay, events := stream.Attach()
	// LIFO: detach first, then release the stream if nothing is left unacked.
	defer s.hub.Release(conversationID)
	defer stream.Detach(events)

	go s.readPump(conn, conversationID, stream)

	for _, ev := range replay {
		if writeEvent(conn, ev) != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Superseded by a newer attachment.
				return
			}
			if writeEvent(conn, ev) != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection drops. It is the
// only reader, so pong handling lives here too.
func (s *Server) readPump(conn *websocket.Conn, conversationID string, stream *Stream) {
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "ack":
			stream.Ack(msg.Seq)
		case "cancel":
			s.svc.Cancel(conversationID)
		}
	}
}

func writeEvent(conn *websocket.Conn, ev any) error {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(ev)
}
