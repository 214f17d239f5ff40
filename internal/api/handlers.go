package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"breakout-engine/internal/journal"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"active_streams": s.eng.ActiveStreams(),
	})
}

func (s *Server) handleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.eng.Streams()})
}

func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	info, ok := s.eng.Stream(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStreamJournal(c *gin.Context) {
	id := c.Param("id")
	entries, err := s.ledger.StreamEntries(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": id, "entries": entries})
}

func (s *Server) handleJournalEntry(c *gin.Context) {
	intentID := c.Param("intentID")
	entry, err := s.ledger.Get(c.Request.Context(), intentID)
	if err == journal.ErrEntryNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found", "intent_id": intentID})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleIncidents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	incidents, err := s.ledger.Incidents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}
