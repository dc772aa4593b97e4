package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-pulse/internal/cache"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

const activeIncidentsCacheKey = "pulse:incidents:active"

func (a *API) handleListIncidents(c *gin.Context) {
	req := models.ListIncidentsRequest{
		Status:      c.Query("status"),
		Service:     c.Query("service"),
		MinSeverity: queryInt(c, "minSeverity", 0),
		Page:        queryInt(c, "page", 1),
		Limit:       queryInt(c, "limit", 50),
		Sort:        c.Query("sort"),
	}
	if req.Status != "" && !models.ValidStatus(req.Status) {
		a.writeValidationError(c, errors.New("status must be one of active, investigating, resolved"))
		return
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

	resp, err := a.store.Incidents.List(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, utils.NewAppError("incidents.list", utils.KindStoreUnavailable, "list incidents", err))
		return
	}
	if resp.Incidents == nil {
		resp.Incidents = []models.Incident{}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleActiveIncidents(c *gin.Context) {
	if cached, ok := a.cachedJSON(c, activeIncidentsCacheKey); ok {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	incidents, err := a.store.Incidents.FindActive(c.Request.Context())
	if err != nil {
		a.writeError(c, utils.NewAppError("incidents.active", utils.KindStoreUnavailable, "list active incidents", err))
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}

	body := gin.H{"incidents": incidents, "count": len(incidents)}
	a.storeJSON(c, activeIncidentsCacheKey, body, a.cacheCfg.ActiveListTTL)
	c.JSON(http.StatusOK, body)
}

func (a *API) handleGetIncident(c *gin.Context) {
	incident, err := a.store.Incidents.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}

	events, err := a.store.Events.FindByIDs(c.Request.Context(), incident.EventIDs, 0)
	if err != nil {
		a.logger.Warn("incident event population failed",
			"incident_id", incident.IncidentID, "error", err)
	} else {
		incident.Events = events
	}

	c.JSON(http.StatusOK, incident)
}

func (a *API) handlePatchIncident(c *gin.Context) {
	var patch models.IncidentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		a.writeValidationError(c, err)
		return
	}
	if patch.Status != nil && !models.ValidStatus(*patch.Status) {
		a.writeValidationError(c, errors.New("status must be one of active, investigating, resolved"))
		return
	}

	incident, err := a.store.Incidents.Patch(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		a.writeError(c, err)
		return
	}

	// Status changes are pushed to subscribers like worker mutations.
	action := models.ActionUpdated
	if patch.Status != nil && *patch.Status == models.IncidentResolved {
		action = models.ActionResolved
	}
	a.hub.PublishIncident(*incident, action)
	a.invalidateActiveCache(c)

	c.JSON(http.StatusOK, incident)
}

// cachedJSON reads a cache entry when caching is enabled.
func (a *API) cachedJSON(c *gin.Context, key string) ([]byte, bool) {
	data, err := a.cache.Get(c.Request.Context(), key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			a.logger.Debug("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

// storeJSON best-effort caches a response body.
func (a *API) storeJSON(c *gin.Context, key string, body any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := a.cache.Set(c.Request.Context(), key, data, ttl); err != nil {
		a.logger.Debug("cache write failed", "key", key, "error", err)
	}
}

func (a *API) invalidateActiveCache(c *gin.Context) {
	if err := a.cache.Del(c.Request.Context(), activeIncidentsCacheKey); err != nil {
		a.logger.Debug("cache invalidation failed", "error", err)
	}
}
