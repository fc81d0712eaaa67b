// Package api exposes the operator surface of the simulator over HTTP:
// read-only views of the portfolio, risk and canary state, the commands that
// change them, and a push channel for per-cycle reports.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/ensemble-trader/internal/canary"
	"github.com/Rajchodisetti/ensemble-trader/internal/engine"
	"github.com/Rajchodisetti/ensemble-trader/internal/journal"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/optimizer"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Trader is the part of the engine the API drives.
type Trader interface {
	Portfolio() portfolio.Snapshot
	Risk() engine.RiskView
	ModeStatus() risk.ModeStatus
	Decisions(limit int) []journal.Entry
	Trades(limit int) []portfolio.Trade
	Canary() engine.CanaryStatus
	Strategies() []engine.StrategyInfo
	LastReport() (engine.Report, bool)

	SubmitOrder(ctx context.Context, o portfolio.Order) (engine.OrderResult, error)
	SetMode(ctx context.Context, mode, operator, reason string) (risk.ModeStatus, error)
	Propose(ctx context.Context, p canary.Proposal) (canary.Proposal, error)
	Optimize(ctx context.Context, req engine.OptimizeRequest) (engine.OptimizeResult, error)
}

const defaultLimit = 50

type Server struct {
	trader Trader
	hub    *Hub
	logger *zap.Logger
	router *gin.Engine
}

func NewServer(trader Trader, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{trader: trader, hub: hub, logger: logger.Named("api")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/healthz", gin.WrapH(observ.HealthHandler()))
	r.GET("/metrics", gin.WrapH(observ.Handler()))

	api := r.Group("/api")
	{
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/risk", s.getRisk)
		api.GET("/mode", s.getMode)
		api.POST("/mode", s.postMode)
		api.GET("/decisions", s.getDecisions)
		api.GET("/trades", s.getTrades)
		api.POST("/orders", s.postOrder)
		api.GET("/canary", s.getCanary)
		api.POST("/canary/proposals", s.postProposal)
		api.GET("/strategies", s.getStrategies)
		api.POST("/optimize", s.postOptimize)
		api.GET("/report", s.getReport)
		if s.hub != nil {
			api.GET("/reports", s.getReports)
			api.GET("/stream", gin.WrapF(s.hub.ServeStream))
		}
	}
	if s.hub != nil {
		r.GET("/ws", gin.WrapF(s.hub.ServeWS))
	}
	return r
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.trader.Portfolio())
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.trader.Risk())
}

func (s *Server) getMode(c *gin.Context) {
	c.JSON(http.StatusOK, s.trader.ModeStatus())
}

type modeRequest struct {
	Mode     string `json:"mode" binding:"required"`
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) postMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := s.trader.SetMode(c.Request.Context(), req.Mode, req.Operator, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getDecisions(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": s.trader.Decisions(limit)})
}

func (s *Server) getTrades(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": s.trader.Trades(limit)})
}

func (s *Server) postOrder(c *gin.Context) {
	var o portfolio.Order
	if err := c.ShouldBindJSON(&o); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.trader.SubmitOrder(c.Request.Context(), o)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getCanary(c *gin.Context) {
	c.JSON(http.StatusOK, s.trader.Canary())
}

func (s *Server) postProposal(c *gin.Context) {
	var p canary.Proposal
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err)
		return
	}
	if p.Source == "" {
		p.Source = "operator"
	}
	queued, err := s.trader.Propose(c.Request.Context(), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, queued)
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.trader.Strategies()})
}

func (s *Server) postOptimize(c *gin.Context) {
	var req engine.OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.trader.Optimize(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getReport(c *gin.Context) {
	rep, ok := s.trader.LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle has completed yet"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// getReports replays buffered push frames after since_id.
func (s *Server) getReports(c *gin.Context) {
	var since uint64
	if v := c.Query("since_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(c, errors.New("since_id must be a non-negative integer"))
			return
		}
		since = n
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	frames := s.hub.Since(since, limit)
	if frames == nil {
		frames = []Frame{}
	}
	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

func limitParam(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		badRequest(c, errors.New("limit must be a positive integer"))
		return 0, false
	}
	return n, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// fail maps engine errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, portfolio.ErrInvalidOrder),
		errors.Is(err, risk.ErrOperatorRequired),
		errors.Is(err, risk.ErrUnknownMode),
		errors.Is(err, canary.ErrEmptyProposal),
		errors.Is(err, engine.ErrUnknownParam),
		errors.Is(err, optimizer.ErrEmptyValues),
		errors.Is(err, optimizer.ErrTooManyCombo),
		errors.Is(err, optimizer.ErrNoStrategy):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTradingPaused),
		errors.Is(err, risk.ErrNoTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnknownStrategy),
		errors.Is(err, engine.ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Serve runs the HTTP server until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	return srv.Shutdown(shutdownCtx)
}
