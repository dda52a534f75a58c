// Package server assembles the HTTP and WebSocket surface: REST endpoints
// for workflows, sessions, uploads and artifacts, the /ws endpoint, health
// probes and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/OpenBMB/ChatDev-sub003/internal/attachments"
	"github.com/OpenBMB/ChatDev-sub003/internal/config"
	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
	"github.com/OpenBMB/ChatDev-sub003/internal/run"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
	"github.com/OpenBMB/ChatDev-sub003/internal/vuegraph"
	"github.com/OpenBMB/ChatDev-sub003/internal/workflowstore"
	"github.com/OpenBMB/ChatDev-sub003/internal/ws"
)

const dataURICacheSize = 256

// Server owns every component and the gin engine routing to them.
type Server struct {
	cfg        *config.Config
	store      *session.Store
	controller *session.ExecutionController
	manager    *ws.Manager
	wsRouter   *ws.Router
	uploads    *attachments.Service
	runs       *run.Service
	batch      *run.BatchService
	workflows  *workflowstore.Storage
	graphs     *vuegraph.Store
	metrics    *metricsSet
	logger     logging.Logger

	// dataURICache memoizes inlined artifact payloads across polls.
	dataURICache *lru.Cache[string, string]

	engine *gin.Engine
}

// New wires all components from the configuration.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store := session.NewStore()
	controller := session.NewExecutionController(store)
	manager := ws.NewManager(store, controller)
	wsRouter := ws.NewRouter(store, controller, manager)
	uploads := attachments.NewService(cfg.WareHouseDir)
	runs := run.NewService(store, controller, manager, uploads, cfg.YamlDir, cfg.WareHouseDir)
	runs.SetWorkflowLogFile(cfg.WorkflowLogFile)
	batch := run.NewBatchService(manager, cfg.YamlDir, cfg.WareHouseDir)

	workflows, err := workflowstore.NewStorage(cfg.YamlDir)
	if err != nil {
		return nil, err
	}
	graphs, err := vuegraph.Open(cfg.VueGraphsDBPath)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, string](dataURICacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		store:        store,
		controller:   controller,
		manager:      manager,
		wsRouter:     wsRouter,
		uploads:      uploads,
		runs:         runs,
		batch:        batch,
		workflows:    workflows,
		graphs:       graphs,
		metrics:      newMetricsSet(store),
		logger:       logging.NewComponentLogger("Server"),
		dataURICache: cache,
	}
	manager.SetDropObserver(func(string, ws.Frame) { s.metrics.framesDropped.Inc() })
	s.engine = s.buildEngine()
	return s, nil
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// RunService exposes the run service so the CLI can install a provider.
func (s *Server) RunService() *run.Service { return s.runs }

// BatchService exposes the batch runner.
func (s *Server) BatchService() *run.BatchService { return s.batch }

func (s *Server) buildEngine() *gin.Engine {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestMetrics())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.CORSAllowOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.CORSAllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	engine.Use(cors.New(corsCfg))

	engine.GET("/health", s.handleHealth)
	engine.GET("/health/live", s.handleHealth)
	engine.GET("/health/ready", s.handleReady)
	engine.GET("/metrics", s.metrics.handler())

	engine.GET("/ws", func(c *gin.Context) {
		s.manager.HandleConnection(c.Writer, c.Request, s.wsRouter)
	})

	api := engine.Group("/api")
	{
		api.POST("/workflow/execute", s.handleExecute)
		api.POST("/workflows/batch", s.handleBatch)

		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:session_id", s.handleGetSession)
		api.POST("/sessions/:session_id/cancel", s.handleCancelSession)
		api.GET("/sessions/:session_id/artifact-events", s.handleArtifactEvents)
		api.GET("/sessions/:session_id/artifacts/:artifact_id", s.handleGetArtifact)
		api.GET("/sessions/:session_id/download", s.handleDownloadWorkspace)

		api.POST("/uploads/:session_id", s.handleUpload)
		api.GET("/uploads/:session_id", s.handleListUploads)

		api.GET("/workflows", s.handleListWorkflows)
		api.GET("/workflows/:name", s.handleGetWorkflow)
		// The upload path is /api/workflows/upload/content. gin cannot put a
		// static "upload" segment next to the :name wildcard, so the route
		// rides the wildcard and the filename comes from the request body.
		api.POST("/workflows/:name/content", s.handleUploadWorkflow)
		api.PUT("/workflows/:name", s.handleUpdateWorkflow)
		api.DELETE("/workflows/:name", s.handleDeleteWorkflow)
		api.POST("/workflows/:name/rename", s.handleRenameWorkflow)
		api.POST("/workflows/:name/copy", s.handleCopyWorkflow)

		api.GET("/vuegraphs", s.handleListVueGraphs)
		api.GET("/vuegraphs/:name", s.handleGetVueGraph)
		api.POST("/vuegraphs", s.handleSaveVueGraph)
		api.POST("/vuegraphs/:name/rename", s.handleRenameVueGraph)
		api.DELETE("/vuegraphs/:name", s.handleDeleteVueGraph)
	}

	return engine
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening on %s", s.cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if _, err := s.workflows.List(); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sessions": len(s.store.List())})
}

// renderError writes the error envelope with the taxonomy-mapped status.
func (s *Server) renderError(c *gin.Context, err error) {
	app := apperrors.AsAppError(err)
	status := apperrors.HTTPStatus(app.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, app)
	}
	c.JSON(status, apperrors.ToEnvelope(app, s.cfg.IsDevelopment()))
}
