package api

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"bioact-main/src/internal/gateway"
	"bioact-main/src/internal/history"
	"bioact-main/src/internal/model"
	"bioact-main/src/internal/system"

	"github.com/gin-gonic/gin"
)

type adminHealthResponse struct {
	Status     string     `json:"status"`
	Message    string     `json:"message"`
	Uptime     string     `json:"uptime"`
	System     string     `json:"system"`
	Goroutines int        `json:"goroutines"`
	AllocMB    uint64     `json:"alloc_mb"`
	Model      model.Info `json:"model"`
	Features   int        `json:"features"`
	Archive    string     `json:"archive"`
	History    bool       `json:"history"`
}

func (s *Server) handleAdminHealth(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	archiveDriver := "none"
	if gw.Archive != nil {
		archiveDriver = string(gw.Archive.Driver())
	}
	c.JSON(http.StatusOK, adminHealthResponse{
		Status:     "ok",
		Message:    "Admin API is operational",
		Uptime:     gw.Uptime().Round(time.Second).String(),
		System:     system.GetInfo(),
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    system.AllocMB(),
		Model:      gw.Pipeline.ModelInfo(),
		Features:   gw.Pipeline.Manifest().Len(),
		Archive:    archiveDriver,
		History:    gw.History != nil,
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.Config)
}

func (s *Server) handleListRuns(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	runs, err := gw.ListRuns(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if gw.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
		return
	}
	run, err := gw.History.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}
