package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleSummarize triggers a manual single-incident summary. The breaker
// still applies: an open breaker surfaces as 503.
func (a *API) handleSummarize(c *gin.Context) {
	incident, err := a.summarizer.SummarizeOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"incident": incident,
		"summary":  incident.AIGeneratedSummary,
		"source":   incident.SummarySource,
	})
}

func (a *API) handleBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.breaker.Status())
}

func (a *API) handleBreakerReset(c *gin.Context) {
	a.breaker.Reset()
	a.logger.Info("circuit breaker manually reset")
	c.JSON(http.StatusOK, a.breaker.Status())
}
