package workflow

import (
	"errors"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
)

var (
	ErrEmptyBatch         = errors.New("mappings must be a non-empty list")
	ErrPlanillaNotFound   = models.ErrPlanillaNotFound
	ErrPartialAttribution = errors.New("concept amount must equal the planilla total")
	ErrUnknownFormCode    = errors.New("unknown form code")
	ErrUnknownBudgetCode  = errors.New("unknown budget code")
	ErrAlreadyClassified  = errors.New("planilla already has concepts")
	ErrRefreshInProgress  = errors.New("projection refresh already in progress")
)
