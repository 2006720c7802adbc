package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Planilla is a tax-collection form instance. Rows are created by ingestion;
// this service only flips IsValidated from false to true.
type Planilla struct {
	ID              int             `gorm:"primary_key" json:"id"`
	FormCode        string          `gorm:"size:20;not null;index" json:"form_code"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total_amount"`
	TransactionDate time.Time       `gorm:"index" json:"transaction_date"`
	IsValidated     bool            `gorm:"not null;default:false;index" json:"is_validated"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Planilla) TableName() string { return "planillas" }

// Forma is the catalog entry for a planilla's form type.
type Forma struct {
	FormCode    string `gorm:"primaryKey;size:20" json:"form_code"`
	DisplayName string `gorm:"size:255;not null" json:"display_name"`
}

func (Forma) TableName() string { return "formas" }

// CodigoPresupuestario is a government budget classification code.
type CodigoPresupuestario struct {
	ID          int    `gorm:"primary_key" json:"id"`
	Code        string `gorm:"size:50;not null;uniqueIndex" json:"code"`
	Designation string `gorm:"size:255" json:"designation"`
}

func (CodigoPresupuestario) TableName() string { return "codigos_presupuestarios" }

// Concepto attributes a planilla's amount to a budget code. Insert-only.
type Concepto struct {
	ID            int             `gorm:"primary_key" json:"id"`
	PlanillaId    int             `gorm:"not null;index" json:"planilla_id"`
	BudgetCodeId  int             `gorm:"not null;index" json:"budget_code_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`

	Planilla   *Planilla             `gorm:"foreignKey:PlanillaId;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-"`
	BudgetCode *CodigoPresupuestario `gorm:"foreignKey:BudgetCodeId;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-"`
}

func (Concepto) TableName() string { return "conceptos" }
