package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sjw9650/TradeButler/internal/budget"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/logging"
	"github.com/sjw9650/TradeButler/internal/scheduler"
	"github.com/sjw9650/TradeButler/internal/storage"
)

// JobController 是管理接口用到的调度器能力。
type JobController interface {
	TriggerJob(ctx context.Context, name string) (scheduler.TriggerResult, error)
	SchedulesStatus() []scheduler.Status
}

type Server struct {
	jobs   JobController
	ledger storage.CostLedger
	guard  *budget.Guard
	logger *slog.Logger
}

func NewServer(jobs JobController, ledger storage.CostLedger, guard *budget.Guard, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{jobs: jobs, ledger: ledger, guard: guard, logger: logger.With("component", "api")}
}

func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/schedules", s.listSchedules)
		v1.POST("/schedules/:name/trigger", s.triggerJob)
		v1.GET("/cost", s.costSummary)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    s.jobs.SchedulesStatus(),
	})
}

func (s *Server) triggerJob(c *gin.Context) {
	name := c.Param("name")
	res, err := s.jobs.TriggerJob(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			c.JSON(http.StatusNotFound, gin.H{"code": "unknown_job", "message": "unknown job " + name})
			return
		}
		category := apperrors.CategoryOf(err)
		s.logger.Error("trigger failed", "job", name, "category", category, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": string(category), "message": "job not dispatched"})
		return
	}

	status := http.StatusAccepted
	switch res {
	case scheduler.AlreadyRunning:
		status = http.StatusConflict
	case scheduler.BudgetExceeded:
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{
		"code":    string(res),
		"message": string(res),
		"data":    gin.H{"job": name, "result": res},
	})
}

func (s *Server) costSummary(c *gin.Context) {
	period := c.DefaultQuery("window", s.guard.Period())
	if period != "day" && period != "month" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_window", "message": "window must be day or month"})
		return
	}
	w := s.guard.WindowFor(period)

	ctx := c.Request.Context()
	total, err := s.ledger.TotalCost(ctx, w)
	if err != nil {
		s.unavailable(c, "cost total", err)
		return
	}
	models, err := s.ledger.Summary(ctx, w)
	if err != nil {
		s.unavailable(c, "cost summary", err)
		return
	}

	data := gin.H{
		"window": gin.H{"period": period, "start": w.Start, "end": w.End},
		"total":  total.StringFixed(6),
		"models": models,
	}
	// 上限只对配置的周期生效
	if period == s.guard.Period() {
		ceiling := s.guard.Ceiling()
		data["ceiling"] = ceiling.StringFixed(6)
		data["exceeded"] = total.GreaterThanOrEqual(ceiling)
	}
	c.JSON(http.StatusOK, gin.H{"code": "ok", "message": "success", "data": data})
}

func (s *Server) unavailable(c *gin.Context, op string, err error) {
	category := apperrors.CategoryOf(err)
	s.logger.Error(op+" failed", "category", category, "err", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"code": string(category), "message": op + " unavailable"})
}

// BasicAuth 用一组共享账号保护除 /health 外的所有路由。
func BasicAuth(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
