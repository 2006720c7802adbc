package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"bitbucket.org/mmdatafocus/revenue_backend/middlewares"
	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/models/reports"
	"bitbucket.org/mmdatafocus/revenue_backend/utils"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"github.com/gin-gonic/gin"
)

type batchRequest struct {
	Mappings []workflow.Vinculacion `json:"mappings" validate:"required,min=1,dive"`
}

func failure(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// GET /reconciliation/outstanding?page=&limit=
func outstandingHandler(current func() *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := queryInt(c, "page", 1)
		if err != nil {
			failure(c, http.StatusBadRequest, "page must be an integer")
			return
		}
		limit, err := queryInt(c, "limit", reports.DefaultPageLimit)
		if err != nil {
			failure(c, http.StatusBadRequest, "limit must be an integer")
			return
		}

		resp, err := current().queries.Outstanding(c.Request.Context(), page, limit)
		if errors.Is(err, reports.ErrInvalidPagination) {
			failure(c, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			_ = c.Error(err)
			failure(c, http.StatusInternalServerError, "failed to load outstanding planillas")
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GET /reconciliation/outstanding/by-form?form_code=
func outstandingByFormHandler(current func() *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		formCode := strings.TrimSpace(c.Query("form_code"))
		if formCode == "" {
			failure(c, http.StatusBadRequest, "form_code is required")
			return
		}
		resp, err := current().queries.OutstandingByForm(c.Request.Context(), formCode)
		if errors.Is(err, models.ErrFormNotFound) {
			failure(c, http.StatusNotFound, "form "+formCode+" not found")
			return
		}
		if err != nil {
			_ = c.Error(err)
			failure(c, http.StatusInternalServerError, "failed to load outstanding planillas")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
	}
}

// GET /reconciliation/non-validated
func nonValidatedHandler(current func() *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := current().queries.NonValidated(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			failure(c, http.StatusInternalServerError, "failed to load non-validated planillas")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
	}
}

// POST /reconciliation/batch
func batchHandler(current func() *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		app := current()
		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			failure(c, http.StatusBadRequest, "mappings must be a non-empty list of {form_code, budget_code_id}")
			return
		}
		if len(req.Mappings) == 0 {
			failure(c, http.StatusBadRequest, workflow.ErrEmptyBatch.Error())
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "invalid mappings",
				"errors":  utils.ProcessValidationErrors(err),
			})
			return
		}

		orchestrator := app.orchestrator
		if loaders := middlewares.For(c.Request.Context()); loaders != nil {
			orchestrator = orchestrator.WithResolver(loaders)
		}
		result, err := orchestrator.ProcessBatch(c.Request.Context(), req.Mappings)
		if errors.Is(err, workflow.ErrEmptyBatch) {
			failure(c, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			config.LogError(app.logger, "reconciliationHandlers.go", "batchHandler", "ProcessBatch", req, err)
			failure(c, http.StatusInternalServerError, "reconciliation batch failed: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
	}
}

// POST /reconciliation/projections/refresh
func refreshProjectionsHandler(current func() *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		app := current()
		states, err := app.refresher.Refresh(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			failure(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		// a manual refresh also picks up newly loaded budget codes
		if err := app.queries.InvalidateBudgetCodes(); err != nil {
			_ = c.Error(err)
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": states})
	}
}
