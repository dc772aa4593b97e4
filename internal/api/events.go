package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/ratelimit"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

// Load level thresholds on queue utilization.
const (
	warnUtilization     = 0.7
	pressureUtilization = 0.8
	rejectUtilization   = 0.9
)

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"queueSize": a.queue.Size(),
		"sessions":  a.hub.Sessions(),
	})
}

// handleIngest admits one event through the rate limiter and the queue
// pressure gate, then enqueues it.
func (a *API) handleIngest(c *gin.Context) {
	start := time.Now()

	decision := a.limiter.Allow(clientID(c))
	a.setRateLimitHeaders(c, decision)
	utilization := a.setLoadHeaders(c)

	if !decision.Allowed {
		retry := int(decision.RetryAfter.Seconds()) + 1
		c.Header("Retry-After", fmt.Sprintf("%d", retry))
		metrics.ObserveRejection("rate_limited")
		a.writeError(c, utils.NewAppError("ingest", utils.KindRateLimited, "rate limit exceeded", nil))
		return
	}

	if utilization >= rejectUtilization {
		c.Header("Retry-After", "5")
		metrics.ObserveRejection("overloaded")
		a.writeError(c, utils.NewAppError("ingest", utils.KindOverloaded, "queue near capacity", nil))
		return
	}

	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeValidationError(c, err)
		return
	}

	timestamp := time.Now().UTC()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		timestamp = req.Timestamp.UTC()
	}

	event := models.Event{
		EventID:    "evt_" + uuid.NewString(),
		Service:    strings.TrimSpace(req.Service),
		Severity:   models.ClampSeverity(req.Severity),
		Timestamp:  timestamp,
		Metadata:   req.Metadata,
		Tags:       req.Tags,
		RawPayload: req.RawPayload,
	}

	result := a.queue.Enqueue(event)
	if !result.Accepted {
		c.Header("Retry-After", "5")
		a.writeError(c, utils.NewAppError("ingest", utils.KindOverloaded, result.Reason, nil))
		return
	}

	a.latencies.Observe(time.Since(start))
	if count := a.latencies.Count(); count >= 1000 && count%1000 == 0 {
		a.logger.Info("ingest latency",
			"p95", a.latencies.Percentile(95),
			"samples", count)
	}

	c.JSON(http.StatusCreated, gin.H{
		"event":     event,
		"queueSize": result.QueueSize,
	})
}

func (a *API) handleListEvents(c *gin.Context) {
	req := models.ListEventsRequest{
		Service:     c.Query("service"),
		Severity:    queryInt(c, "severity", 0),
		MinSeverity: queryInt(c, "minSeverity", 0),
		MaxSeverity: queryInt(c, "maxSeverity", 0),
		IncidentID:  c.Query("incidentId"),
		Page:        queryInt(c, "page", 1),
		Limit:       queryInt(c, "limit", 50),
		Sort:        c.Query("sort"),
	}
	if tags := c.Query("tags"); tags != "" {
		req.Tags = splitCSV(tags)
	}

	var err error
	if req.Start, err = parseTimeQuery(c, "startDate"); err != nil {
		a.writeValidationError(c, err)
		return
	}
	if req.End, err = parseTimeQuery(c, "endDate"); err != nil {
		a.writeValidationError(c, err)
		return
	}

	resp, err := a.store.Events.List(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, utils.NewAppError("events.list", utils.KindStoreUnavailable, "list events", err))
		return
	}
	if resp.Events == nil {
		resp.Events = []models.Event{}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleGetEvent(c *gin.Context) {
	event, err := a.store.Events.FindByEventID(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (a *API) handleEventStats(c *gin.Context) {
	start, err := parseTimeQuery(c, "startDate")
	if err != nil {
		a.writeValidationError(c, err)
		return
	}
	end, err := parseTimeQuery(c, "endDate")
	if err != nil {
		a.writeValidationError(c, err)
		return
	}

	cacheKey := fmt.Sprintf("pulse:event-stats:%d:%d", start.Unix(), end.Unix())
	if cached, ok := a.cachedJSON(c, cacheKey); ok {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	stats, err := a.store.Events.Stats(c.Request.Context(), start, end)
	if err != nil {
		a.writeError(c, utils.NewAppError("events.stats", utils.KindStoreUnavailable, "aggregate stats", err))
		return
	}

	a.storeJSON(c, cacheKey, stats, a.cacheCfg.EventStatsTTL)
	c.JSON(http.StatusOK, stats)
}

// clientID derives the rate-limit key from proxy headers, falling back to
// the socket address.
func clientID(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if id := strings.TrimSpace(parts[0]); id != "" {
			return id
		}
	}
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}

func (a *API) setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
}

// setLoadHeaders publishes the queue pressure headers and returns the
// current utilization.
func (a *API) setLoadHeaders(c *gin.Context) float64 {
	utilization := a.queue.Utilization()
	level := "normal"
	switch {
	case utilization >= rejectUtilization:
		level = "critical"
	case utilization >= warnUtilization:
		level = "warning"
	}
	c.Header("X-Load-Level", level)
	c.Header("X-Queue-Utilization", fmt.Sprintf("%d%%", int(utilization*100)))
	return utilization
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return utils.ParseRFC3339(raw)
}
