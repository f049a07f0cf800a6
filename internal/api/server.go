package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"genesis/internal/agents"
	"genesis/internal/bus"
	"genesis/internal/sim"
	"genesis/internal/store"
	"genesis/internal/traits"
)

// TriggerPublisher is the one bus capability the manual-trigger endpoint
// needs.
type TriggerPublisher interface {
	PublishTrigger(ev bus.EvolutionTrigger) error
}

// Server wires the HTTP endpoints over the running simulation.
type Server struct {
	log        *zap.Logger
	engine     *sim.Engine
	registry   *traits.Registry
	hub        *Hub
	triggers   TriggerPublisher
	gatekeeper *agents.Gatekeeper
	cycles     *agents.CycleManager
	store      *store.Store
	gatherer   prometheus.Gatherer

	http *http.Server
}

// Options collects the server's collaborators. Gatekeeper, cycles, store, and
// gatherer may be nil; the matching endpoints degrade gracefully.
type Options struct {
	Log        *zap.Logger
	Engine     *sim.Engine
	Registry   *traits.Registry
	Hub        *Hub
	Triggers   TriggerPublisher
	Gatekeeper *agents.Gatekeeper
	Cycles     *agents.CycleManager
	Store      *store.Store
	Gatherer   prometheus.Gatherer
}

// NewServer builds the HTTP server listening on addr.
func NewServer(addr string, opts Options) *Server {
	s := &Server{
		log:        opts.Log.Named("api"),
		engine:     opts.Engine,
		registry:   opts.Registry,
		hub:        opts.Hub,
		triggers:   opts.Triggers,
		gatekeeper: opts.Gatekeeper,
		cycles:     opts.Cycles,
		store:      opts.Store,
		gatherer:   opts.Gatherer,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", func(c *gin.Context) {
		s.hub.Serve(c.Writer, c.Request)
	})
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/world", s.handleWorld)
		apiGroup.GET("/traits", s.handleTraitList)
		apiGroup.GET("/traits/:name", s.handleTraitSource)
		apiGroup.POST("/evolution/trigger", s.handleTrigger)
		apiGroup.GET("/evolution/cycle", s.handleCycle)
		apiGroup.POST("/mutations/propose", s.handlePropose)
		apiGroup.GET("/mutations/:id", s.handleMutation)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleWorld(c *gin.Context) {
	stats := s.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"stats":      stats,
		"ws_clients": s.hub.ClientCount(),
	})
}

type traitSummary struct {
	Name      string `json:"name"`
	Versions  int    `json:"versions_kept"`
	HasSource bool   `json:"has_source"`
}

func (s *Server) handleTraitList(c *gin.Context) {
	snap := s.registry.Snapshot()
	out := make([]traitSummary, 0, len(snap))
	for name, entry := range snap {
		out = append(out, traitSummary{
			Name:      name,
			Versions:  len(entry.Files),
			HasSource: entry.Source != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, gin.H{
		"registry_version": s.registry.Version(),
		"traits":           out,
	})
}

func (s *Server) handleTraitSource(c *gin.Context) {
	name := c.Param("name")
	source, ok := s.registry.GetSource(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trait not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": traits.Canonical(name), "source": source})
}

type triggerRequest struct {
	ProblemType string  `json:"problem_type" binding:"required"`
	Severity    float64 `json:"severity"`
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Severity < 0 || req.Severity > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "severity must be in [0, 1]"})
		return
	}

	stats := s.engine.Stats()
	trigger := bus.EvolutionTrigger{
		TriggerID:        uuid.NewString(),
		ProblemType:      req.ProblemType,
		Severity:         severityLabel(req.Severity),
		AffectedEntities: stats.EntityCount,
		SuggestedArea:    "manual",
		CycleID:          uuid.NewString(),
		WorldContext: bus.WorldContext{
			EntityCount:   stats.EntityCount,
			AvgEnergy:     stats.AvgEnergy,
			ResourceCount: stats.ResourceCount,
		},
	}
	if err := s.triggers.PublishTrigger(trigger); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"trigger_id": trigger.TriggerID,
		"cycle_id":   trigger.CycleID,
		"severity":   trigger.Severity,
	})
}

func severityLabel(v float64) string {
	switch {
	case v < 0.25:
		return "low"
	case v < 0.5:
		return "medium"
	case v < 0.75:
		return "high"
	default:
		return "critical"
	}
}

func (s *Server) handleCycle(c *gin.Context) {
	rec, err := s.cycles.Current(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	active := rec.Stage != agents.StageDone && rec.Stage != agents.StageFailed
	c.JSON(http.StatusOK, gin.H{"active": active, "cycle": rec})
}

func (s *Server) handlePropose(c *gin.Context) {
	if s.gatekeeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "external proposals are disabled"})
		return
	}
	var p agents.Proposal
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.gatekeeper.Submit(c.Request.Context(), c.ClientIP(), p)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, result)
	case errors.Is(err, agents.ErrRateLimited), errors.Is(err, agents.ErrTooManyActive):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, agents.ErrBadTraitName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, agents.ErrRejected):
		resp := gin.H{"error": err.Error()}
		if result != nil {
			resp["validation"] = result.Validation
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleMutation(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mutation records are disabled"})
		return
	}
	rec, err := s.store.GetMutation(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mutation not found"})
		return
	}
	resp := gin.H{"mutation": rec}
	source, err := s.store.GetMutationSource(c.Request.Context(), rec.MutationID)
	if err != nil {
		s.log.Warn("mutation source load failed", zap.Error(err))
	} else if source != "" {
		resp["source"] = source
	}
	c.JSON(http.StatusOK, resp)
}
