package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// StatusProvider 当前运行的实时状态
type StatusProvider interface {
	Progress() domain.RunProgress
}

// RunHandler 运行状态与历史查询
type RunHandler struct {
	status StatusProvider
	repo   repository.RunRepository
	logger logrus.FieldLogger
}

// NewRunHandler 创建处理器，repo 为 nil 时历史接口返回 503
func NewRunHandler(status StatusProvider, repo repository.RunRepository, logger logrus.FieldLogger) *RunHandler {
	return &RunHandler{
		status: status,
		repo:   repo,
		logger: logger,
	}
}

// GetStatus GET /api/status
func (h *RunHandler) GetStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, gin.H{"status": domain.RunStatusIdle})
		return
	}
	c.JSON(http.StatusOK, h.status.Progress())
}

// ListRuns GET /api/runs?limit=&target=
func (h *RunHandler) ListRuns(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	var (
		runs []*domain.DumpRun
		err  error
	)
	if target := c.Query("target"); target != "" {
		runs, err = h.repo.ListByTarget(c.Request.Context(), target, limit)
	} else {
		runs, err = h.repo.List(c.Request.Context(), limit)
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	if runs == nil {
		runs = []*domain.DumpRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}

	run, err := h.repo.FindByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetStats GET /api/stats
func (h *RunHandler) GetStats(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}

	counts, total, err := h.repo.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get run statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get statistics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"by_status": counts,
	})
}

func (h *RunHandler) historyEnabled(c *gin.Context) bool {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is disabled"})
		return false
	}
	return true
}
