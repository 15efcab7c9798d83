package package_models

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/shared_models"
	"github.com/shopspring/decimal"
)

// Package is a sellable plan. Prices are net of VAT.
type Package struct {
	ID           uuid.UUID           `json:"id"`
	Slug         string              `json:"slug"`
	Name         string              `json:"name"`
	MonthlyPrice decimal.Decimal     `json:"monthly_price"`
	YearlyPrice  decimal.Decimal     `json:"yearly_price"`
	TrialPrice   decimal.NullDecimal `json:"trial_price"`
	TrialDays    int                 `json:"trial_days"`
	KeywordLimit int                 `json:"keyword_limit"`
	IsActive     bool                `json:"is_active"`
	SortOrder    int                 `json:"sort_order"`
}

// PriceFor returns the net price for a billing period.
func (p *Package) PriceFor(period string) (decimal.Decimal, error) {
	switch period {
	case shared_models.PeriodMonthly:
		return p.MonthlyPrice, nil
	case shared_models.PeriodYearly:
		return p.YearlyPrice, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown billing period %q", period)
	}
}

// HasTrial reports whether the package offers a paid trial.
func (p *Package) HasTrial() bool {
	return p.TrialDays > 0 && p.TrialPrice.Valid
}

// MonthlyEquivalent is used to rank packages when deciding upgrade vs downgrade.
func (p *Package) MonthlyEquivalent() decimal.Decimal {
	yearly := p.YearlyPrice.Div(decimal.NewFromInt(12))
	if yearly.GreaterThan(p.MonthlyPrice) {
		return yearly
	}
	return p.MonthlyPrice
}

const packageColumns = `id, slug, name, monthly_price, yearly_price, trial_price, trial_days, keyword_limit, is_active, sort_order`

func scanPackage(row pgx.Row) (*Package, error) {
	p := &Package{}
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.MonthlyPrice, &p.YearlyPrice, &p.TrialPrice,
		&p.TrialDays, &p.KeywordLimit, &p.IsActive, &p.SortOrder)
	return p, err
}

// GetPackageByID fetches a package regardless of its active flag.
func GetPackageByID(ctx context.Context, db shared_models.DBTX, id uuid.UUID) (*Package, error) {
	p, err := scanPackage(db.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared_models.ErrNotFound
		}
		logger.ErrorLogger.Errorf("Failed to fetch package %s: %v", id, err)
		return nil, fmt.Errorf("database error fetching package: %w", err)
	}
	return p, nil
}

// ListActivePackages returns the packages currently on sale.
func ListActivePackages(ctx context.Context, db shared_models.DBTX) ([]Package, error) {
	rows, err := db.Query(ctx, `SELECT `+packageColumns+` FROM packages WHERE is_active ORDER BY sort_order, monthly_price`)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to list packages: %v", err)
		return nil, fmt.Errorf("database error listing packages: %w", err)
	}
	defer rows.Close()

	var packages []Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("error reading package row: %w", err)
		}
		packages = append(packages, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading packages: %w", err)
	}
	return packages, nil
}
