// Package httpapi is the thin session-level skin over the orchestrator: a
// gin-gonic router for the create / post_user_message / inspect / paged
// transcript / stop / delete contract (spec §6), plus a gorilla/websocket
// handler for the subscription stream. It carries no discussion invariants
// of its own — every call is handler -> orchestrator -> JSON response.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/discussiond/internal/errkind"
	"github.com/vasic-digital/discussiond/internal/orchestrator"
)

// Server wires an Orchestrator to a gin.Engine.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *logrus.Logger
}

// NewRouter builds the full gin.Engine for the session-level API.
func NewRouter(orch *orchestrator.Orchestrator, mode string, corsOrigins []string, logger *logrus.Logger) *gin.Engine {
	if logger == nil {
		logger = logrus.New()
	}
	gin.SetMode(mode)

	s := &Server{orch: orch, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(cors(corsOrigins))

	r.POST("/discussions", s.create)
	r.POST("/discussions/:id/messages", s.postUserMessage)
	r.GET("/discussions/:id", s.inspect)
	r.GET("/discussions/:id/transcript", s.transcript)
	r.POST("/discussions/:id/stop", s.stop)
	r.DELETE("/discussions/:id", s.delete)
	r.GET("/discussions/:id/subscribe", s.subscribe)
	r.GET("/models", s.listModels)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request handled")
	}
}

func cors(origins []string) gin.HandlerFunc {
	allowed := "*"
	if len(origins) > 0 {
		allowed = origins[0]
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowed)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type createRequest struct {
	Topic           string   `json:"topic" binding:"required"`
	UserTag         string   `json:"user_tag"`
	NumAgents       int      `json:"num_agents" binding:"required"`
	PreferredModels []string `json:"preferred_models"`
	MaxTurns        int      `json:"max_turns"`
}

func (s *Server) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	disc, err := s.orch.Create(c.Request.Context(), req.Topic, req.UserTag, req.NumAgents, req.PreferredModels, req.MaxTurns)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.orch.Run(disc.ID); err != nil {
		writeError(c, err)
		return
	}

	type roleView struct {
		Name           string `json:"name"`
		Expertise      string `json:"expertise"`
		Perspective    string `json:"perspective"`
		BackingModelID string `json:"backing_model_id"`
	}
	roles := make([]roleView, 0, len(disc.Roles))
	for _, r := range disc.Roles {
		roles = append(roles, roleView{Name: r.Name, Expertise: r.Expertise, Perspective: r.Perspective, BackingModelID: r.BackingModelID})
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":               disc.ID,
		"topic":            disc.Topic,
		"roles":            roles,
		"status":           disc.Status,
		"created_at":       disc.CreatedAt,
		"subscription_hint": "/discussions/" + disc.ID + "/subscribe",
	})
}

type postUserMessageRequest struct {
	Body    string `json:"body" binding:"required"`
	UserTag string `json:"user_tag"`
}

func (s *Server) postUserMessage(c *gin.Context) {
	id := c.Param("id")
	var req postUserMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.PostUserMessage(id, req.Body, req.UserTag); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "id": id})
}

func (s *Server) inspect(c *gin.Context) {
	id := c.Param("id")
	disc, err := s.orch.Inspect(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                disc.ID,
		"topic":             disc.Topic,
		"status":            disc.Status,
		"current_turn":      disc.CurrentTurn,
		"max_turns":         disc.MaxTurns,
		"consensus_reached": disc.ConsensusReached,
		"message_count":     len(disc.Messages),
		"created_at":        disc.CreatedAt,
		"updated_at":        disc.UpdatedAt,
	})
}

func (s *Server) transcript(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, total, err := s.orch.Transcript(id, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) stop(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Stop(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) delete(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Delete(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listModels(c *gin.Context) {
	ids, err := s.orch.ListModels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": ids})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errkind.KindOf(err) {
	case errkind.InvalidArgument:
		status = http.StatusBadRequest
	case errkind.NotFound:
		status = http.StatusNotFound
	case errkind.Terminated:
		status = http.StatusConflict
	case errkind.Auth:
		status = http.StatusUnauthorized
	case errkind.Transport, errkind.Upstream:
		status = http.StatusBadGateway
	case errkind.Decode:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
