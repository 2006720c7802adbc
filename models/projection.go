package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ProjectionPendingWork  = "pending_work"
	ProjectionNonValidated = "non_validated"
)

// PendingWorkProjection holds one row per planilla with zero concepts.
// It is rebuilt wholesale by the projection refresh and never written otherwise.
type PendingWorkProjection struct {
	PlanillaId      int             `gorm:"primaryKey;autoIncrement:false" json:"planilla_id"`
	FormCode        string          `gorm:"size:20;not null;index:idx_pending_form_amount,priority:1" json:"form_code"`
	FormDisplayName string          `gorm:"size:255" json:"form_display_name"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,6);not null;index:idx_pending_form_amount,priority:2" json:"total_amount"`
	TransactionDate time.Time       `json:"transaction_date"`
}

func (PendingWorkProjection) TableName() string { return "pending_work_projections" }

// NonValidatedAggregate is the per-form rollup of planillas that are not validated yet.
type NonValidatedAggregate struct {
	FormCode        string          `gorm:"primaryKey;size:20" json:"form_code"`
	FormDisplayName string          `gorm:"size:255" json:"form_display_name"`
	PlanillaCount   int64           `gorm:"not null" json:"planilla_count"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"total_amount"`
}

func (NonValidatedAggregate) TableName() string { return "non_validated_aggregates" }

// ProjectionRefreshState makes projection staleness observable.
type ProjectionRefreshState struct {
	Name        string    `gorm:"primaryKey;size:64" json:"name"`
	RefreshedAt time.Time `json:"refreshed_at"`
	DurationMs  int64     `json:"duration_ms"`
	RowCount    int64     `json:"row_count"`
	LastError   *string   `gorm:"type:text" json:"last_error,omitempty"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProjectionRefreshState) TableName() string { return "projection_refresh_states" }

// PlanillaRef is an outstanding planilla as seen through the pending-work projection.
type PlanillaRef struct {
	PlanillaId      int             `json:"planilla_id"`
	FormCode        string          `json:"form_code"`
	FormDisplayName string          `json:"form_display_name"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TransactionDate time.Time       `json:"transaction_date"`
}

// FormAggregate groups outstanding planillas by form.
type FormAggregate struct {
	FormCode    string          `json:"form_code"`
	DisplayName string          `json:"display_name"`
	Count       int64           `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}
