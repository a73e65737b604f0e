// Package synchub exposes the hub's REST surface: change notifications, job
// inspection and retry, mapping inspection, provider connection management
// and the audit export.
package synchub

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mmdatafocus/synchub_backend/audit"
	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/middlewares"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/queue"
	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
	"github.com/mmdatafocus/synchub_backend/vault"
	"github.com/mmdatafocus/synchub_backend/workflow"
)

type Handlers struct {
	orchestrator *workflow.Orchestrator
	queue        *queue.Queue
	vault        *vault.Vault
	registry     *providers.Registry
}

func NewHandlers(o *workflow.Orchestrator, q *queue.Queue, v *vault.Vault, r *providers.Registry) *Handlers {
	return &Handlers{orchestrator: o, queue: q, vault: v, registry: r}
}

func RegisterRoutes(r *gin.Engine, h *Handlers) {
	api := r.Group("/api")

	api.POST("/sync/notify", h.NotifyHandler())
	api.GET("/sync/jobs", h.ListJobsHandler())
	api.GET("/sync/jobs/:jobKey", h.JobStatusHandler())
	api.POST("/sync/jobs/:jobKey/retry", h.RetryJobHandler())

	api.GET("/mappings", h.ListMappingsHandler())
	api.GET("/audit/export", h.AuditExportHandler())

	api.POST("/admin/requeue-dead", h.RequeueDeadHandler())

	api.GET("/providers", h.ListProvidersHandler())
	api.POST("/providers/:provider/connect", h.ConnectHandler())
	api.POST("/providers/:provider/disconnect", h.DisconnectHandler())
	api.POST("/providers/:provider/authorize", h.AuthorizeHandler())
	api.GET("/providers/:provider/accounts", h.ListAccountsHandler())
}

// internalError logs the underlying cause and hides it from the response.
func internalError(c *gin.Context, funcName string, err error) {
	config.LogError(config.GetLogger(), "synchub", funcName, c.Request.URL.Path, nil, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// writeSyncError maps taxonomy kinds onto HTTP statuses for the API surface.
func writeSyncError(c *gin.Context, err error) {
	se, ok := syncerr.AsSyncError(err)
	if !ok {
		internalError(c, "writeSyncError", err)
		return
	}
	status := http.StatusInternalServerError
	switch se.Kind {
	case syncerr.KindValidation:
		status = http.StatusUnprocessableEntity
	case syncerr.KindReauthRequired:
		status = http.StatusUnauthorized
	case syncerr.KindRateLimited:
		status = http.StatusTooManyRequests
	case syncerr.KindConflict:
		status = http.StatusConflict
	case syncerr.KindTransient, syncerr.KindPrerequisiteMissing:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": se.Message, "kind": se.Kind})
}

func (h *Handlers) NotifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		correlationId, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		jobs, err := h.orchestrator.NotifyEntityChanged(c.Request.Context(), workflow.ChangeRequest{
			TenantId:      tenantId,
			EventId:       req.EventId,
			EntityType:    req.EntityType,
			Action:        req.Action,
			InternalId:    req.InternalId,
			Payload:       req.Payload,
			Providers:     req.Providers,
			TriggeredBy:   models.SyncTriggeredSource,
			CorrelationId: correlationId,
		})
		if errors.Is(err, workflow.ErrDuplicateEvent) {
			c.JSON(http.StatusAccepted, notifyResponse{Duplicate: true})
			return
		}
		if err != nil {
			writeSyncError(c, err)
			return
		}

		resp := notifyResponse{Jobs: make([]jobSummary, 0, len(jobs))}
		for _, job := range jobs {
			resp.Jobs = append(resp.Jobs, toJobSummary(job))
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

func (h *Handlers) ListJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		jobs, err := models.ListSyncJobs(c.Request.Context(), tenantId, models.JobStatus(c.Query("status")), limit)
		if err != nil {
			internalError(c, "ListJobsHandler", err)
			return
		}
		out := make([]jobSummary, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, toJobSummary(job))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": out})
	}
}

func (h *Handlers) JobStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		job, err := models.GetSyncJobByKey(c.Request.Context(), tenantId, c.Param("jobKey"))
		if err != nil {
			internalError(c, "JobStatusHandler", err)
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, toJobSummary(*job))
	}
}

// RetryJobHandler requeues one dead job with a fresh attempt budget.
func (h *Handlers) RetryJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		jobKey := c.Param("jobKey")
		err := h.queue.RequeueDead(c.Request.Context(), tenantId, jobKey)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no dead job with that key"})
			return
		}
		if err != nil {
			internalError(c, "RetryJobHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobKey": jobKey, "status": models.JobStatusQueued})
	}
}

// RequeueDeadHandler requeues dead jobs in bulk by dead reason. Admin only;
// single-job retry stays on the per-job endpoint.
func (h *Handlers) RequeueDeadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		var req requeueDeadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reason := models.DeadReason(req.DeadReason)
		switch reason {
		case models.DeadReasonMaxAttempts, models.DeadReasonValidation,
			models.DeadReasonReauthRequired, models.DeadReasonConflict,
			models.DeadReasonSuperseded:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown dead reason"})
			return
		}
		requeued, err := h.queue.RequeueDeadByReason(c.Request.Context(), tenantId, reason, req.Limit)
		if err != nil {
			internalError(c, "RequeueDeadHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"requeued": requeued, "deadReason": reason})
	}
}

func (h *Handlers) ListMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		mappings, err := models.ListMappings(c.Request.Context(), tenantId, c.Query("internalId"), c.Query("provider"))
		if err != nil {
			internalError(c, "ListMappingsHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"mappings": mappings})
	}
}

func (h *Handlers) AuditExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		var since time.Time
		if s := c.Query("since"); s != "" {
			parsed, err := time.Parse(time.RFC3339, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			since = parsed
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		f, err := audit.ExportXLSX(c.Request.Context(), tenantId, since, limit)
		if err != nil {
			internalError(c, "AuditExportHandler", err)
			return
		}
		defer f.Close()

		filename := fmt.Sprintf("audit-%s-%s.xlsx", tenantId, time.Now().UTC().Format("20060102"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := f.Write(c.Writer); err != nil {
			c.Status(http.StatusInternalServerError)
		}
	}
}

func (h *Handlers) ListProvidersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		out := make([]providerStatus, 0)
		for _, provider := range h.registry.Providers() {
			status := providerStatus{Provider: provider, Status: models.ConnectionStatusDisconnected}
			conn, err := models.GetConnection(c.Request.Context(), tenantId, provider)
			if err != nil {
				internalError(c, "ListProvidersHandler", err)
				return
			}
			if conn != nil {
				status.Status = conn.Status
				status.LastSyncAt = conn.LastSyncAt
				status.LastSyncStatus = conn.LastSyncStatus
			}
			cred, err := models.GetCredential(c.Request.Context(), tenantId, provider)
			if err != nil {
				internalError(c, "ListProvidersHandler", err)
				return
			}
			if cred != nil {
				status.Credential = string(cred.Status)
			}
			out = append(out, status)
		}
		c.JSON(http.StatusOK, gin.H{"providers": out})
	}
}

func (h *Handlers) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		provider := c.Param("provider")
		if _, err := h.registry.Get(provider); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		conn := &models.ProviderConnection{
			TenantId:      tenantId,
			Provider:      provider,
			Status:        models.ConnectionStatusConnected,
			RateCapacity:  req.RateCapacity,
			RatePerMinute: req.RatePerMinute,
			SettingsJSON:  req.Settings,
		}
		if err := models.SaveConnection(c.Request.Context(), conn); err != nil {
			internalError(c, "ConnectHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"provider": provider, "status": models.ConnectionStatusConnected})
	}
}

func (h *Handlers) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		provider := c.Param("provider")
		conn := &models.ProviderConnection{
			TenantId: tenantId,
			Provider: provider,
			Status:   models.ConnectionStatusDisconnected,
		}
		if err := models.SaveConnection(c.Request.Context(), conn); err != nil {
			internalError(c, "DisconnectHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"provider": provider, "status": models.ConnectionStatusDisconnected})
	}
}

// AuthorizeHandler stores a fresh OAuth grant obtained via the provider's
// authorization flow, clearing any reauth_required state.
func (h *Handlers) AuthorizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		provider := c.Param("provider")
		if _, err := h.registry.Get(provider); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		var req authorizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		expiresIn := req.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		grant := providers.Grant{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second).UTC(),
		}
		if err := h.vault.StoreGrant(c.Request.Context(), tenantId, provider, grant); err != nil {
			internalError(c, "AuthorizeHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"provider": provider, "credential": models.CredentialStatusValid})
	}
}

// ListAccountsHandler proxies the provider's chart of accounts, mainly used
// by setup UIs to map posting accounts.
func (h *Handlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := middlewares.RequireTenant(c)
		if !ok {
			return
		}
		provider := c.Param("provider")
		adapter, err := h.registry.Get(provider)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		token, err := h.vault.GetValidToken(c.Request.Context(), tenantId, provider)
		if err != nil {
			writeSyncError(c, err)
			return
		}
		accounts, err := adapter.ListAccounts(c.Request.Context(), token)
		if err != nil {
			writeSyncError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accounts": accounts})
	}
}
