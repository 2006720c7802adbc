package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements ReconciliationStore on MySQL.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore binds the store to db, falling back to the process-wide connection.
func NewGormStore(db *gorm.DB) *GormStore {
	if db == nil {
		db = config.GetDB()
	}
	return &GormStore{db: db}
}

// Transaction runs at READ COMMITTED so a re-check after LockPlanilla sees
// concepts committed by a concurrent batch.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx ReconciliationStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

/* reference */

func (s *GormStore) FindFormas(ctx context.Context, codes []string) ([]*Forma, error) {
	var results []*Forma
	if len(codes) == 0 {
		return results, nil
	}
	err := s.db.WithContext(ctx).Where("form_code IN ?", codes).Find(&results).Error
	return results, err
}

func (s *GormStore) FindCodigosPresupuestarios(ctx context.Context, ids []int) ([]*CodigoPresupuestario, error) {
	var results []*CodigoPresupuestario
	if len(ids) == 0 {
		return results, nil
	}
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	return results, err
}

func (s *GormStore) ListCodigosPresupuestarios(ctx context.Context) ([]*CodigoPresupuestario, error) {
	var results []*CodigoPresupuestario
	err := s.db.WithContext(ctx).Order("code ASC").Find(&results).Error
	return results, err
}

/* projections */

func (s *GormStore) outstandingQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&PendingWorkProjection{}).
		Select("planilla_id, form_code, form_display_name, total_amount, transaction_date").
		Order("total_amount DESC, planilla_id ASC")
}

func (s *GormStore) ListOutstanding(ctx context.Context, formCode string) ([]PlanillaRef, error) {
	var results []PlanillaRef
	err := s.outstandingQuery(ctx).Where("form_code = ?", formCode).Scan(&results).Error
	return results, err
}

func (s *GormStore) ListOutstandingPage(ctx context.Context, offset, limit int) ([]PlanillaRef, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&PendingWorkProjection{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var results []PlanillaRef
	if err := s.outstandingQuery(ctx).Offset(offset).Limit(limit).Scan(&results).Error; err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (s *GormStore) AggregateOutstandingByForm(ctx context.Context) ([]FormAggregate, error) {
	var results []FormAggregate
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			form_code,
			MAX(form_display_name) AS display_name,
			COUNT(*) AS count,
			COALESCE(SUM(total_amount), 0) AS total_amount
		FROM pending_work_projections
		GROUP BY form_code
		ORDER BY total_amount DESC, form_code ASC
	`).Scan(&results).Error
	return results, err
}

func (s *GormStore) OutstandingTotalAmount(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.WithContext(ctx).Model(&PendingWorkProjection{}).
		Select("SUM(total_amount)").Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (s *GormStore) ListNonValidatedAggregates(ctx context.Context) ([]NonValidatedAggregate, error) {
	var results []NonValidatedAggregate
	err := s.db.WithContext(ctx).Order("total_amount DESC, form_code ASC").Find(&results).Error
	return results, err
}

func (s *GormStore) GetProjectionRefreshStates(ctx context.Context) ([]ProjectionRefreshState, error) {
	var results []ProjectionRefreshState
	err := s.db.WithContext(ctx).Order("name ASC").Find(&results).Error
	return results, err
}

/* ledger */

func (s *GormStore) GetPlanilla(ctx context.Context, id int) (*Planilla, error) {
	var p Planilla
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanillaNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) LockPlanilla(ctx context.Context, id int) (*Planilla, error) {
	var p Planilla
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanillaNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) CountConceptos(ctx context.Context, planillaId int) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Concepto{}).Where("planilla_id = ?", planillaId).Count(&count).Error
	return count, err
}

func (s *GormStore) InsertConcepto(ctx context.Context, c *Concepto) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(c).Error
}

func (s *GormStore) SumConceptos(ctx context.Context, planillaId int) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := s.db.WithContext(ctx).Model(&Concepto{}).
		Where("planilla_id = ?", planillaId).
		Select("SUM(amount)").Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func (s *GormStore) MarkPlanillaValidated(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).Model(&Planilla{}).
		Where("id = ? AND is_validated = ?", id, false).
		Update("is_validated", true).Error
}

/* projection maintenance */

// RebuildProjections swaps both projections inside one transaction so readers
// see either the old or the new contents, never a half-built table.
func (s *GormStore) RebuildProjections(ctx context.Context, refreshedAt time.Time) ([]ProjectionRefreshState, error) {
	var states []ProjectionRefreshState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		started := time.Now()
		if err := tx.Exec("DELETE FROM pending_work_projections").Error; err != nil {
			return err
		}
		res := tx.Exec(`
			INSERT INTO pending_work_projections (planilla_id, form_code, form_display_name, total_amount, transaction_date)
			SELECT p.id, p.form_code, COALESCE(f.display_name, p.form_code), p.total_amount, p.transaction_date
			FROM planillas p
			LEFT JOIN formas f ON f.form_code = p.form_code
			WHERE NOT EXISTS (SELECT 1 FROM conceptos c WHERE c.planilla_id = p.id)
		`)
		if res.Error != nil {
			return res.Error
		}
		states = append(states, ProjectionRefreshState{
			Name:        ProjectionPendingWork,
			RefreshedAt: refreshedAt,
			DurationMs:  time.Since(started).Milliseconds(),
			RowCount:    res.RowsAffected,
		})

		started = time.Now()
		if err := tx.Exec("DELETE FROM non_validated_aggregates").Error; err != nil {
			return err
		}
		res = tx.Exec(`
			INSERT INTO non_validated_aggregates (form_code, form_display_name, planilla_count, total_amount)
			SELECT p.form_code, COALESCE(MAX(f.display_name), p.form_code), COUNT(*), COALESCE(SUM(p.total_amount), 0)
			FROM planillas p
			LEFT JOIN formas f ON f.form_code = p.form_code
			WHERE p.is_validated = 0
			GROUP BY p.form_code
		`)
		if res.Error != nil {
			return res.Error
		}
		states = append(states, ProjectionRefreshState{
			Name:        ProjectionNonValidated,
			RefreshedAt: refreshedAt,
			DurationMs:  time.Since(started).Milliseconds(),
			RowCount:    res.RowsAffected,
		})

		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&states).Error
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// RecordProjectionRefreshFailure upserts both state rows, so a failure before
// the first successful rebuild is visible too. refreshed_at stays NULL until then.
func (s *GormStore) RecordProjectionRefreshFailure(ctx context.Context, at time.Time, cause error) error {
	msg := cause.Error()
	return s.db.WithContext(ctx).Exec(`
		INSERT INTO projection_refresh_states (name, refreshed_at, duration_ms, row_count, last_error, updated_at)
		VALUES (?, NULL, 0, 0, ?, ?), (?, NULL, 0, 0, ?, ?)
		ON DUPLICATE KEY UPDATE last_error = VALUES(last_error), updated_at = VALUES(updated_at)
	`, ProjectionPendingWork, msg, at, ProjectionNonValidated, msg, at).Error
}
