package payment_handlers

import (
	"time"

	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/shopspring/decimal"
)

// Price is a quote for one package and period. Net excludes VAT, Gross is
// what the customer pays.
type Price struct {
	Net       decimal.Decimal `json:"net"`
	VAT       decimal.Decimal `json:"vat"`
	Gross     decimal.Decimal `json:"gross"`
	VATRate   decimal.Decimal `json:"vat_rate"`
	Currency  string          `json:"currency"`
	Period    string          `json:"period"`
	IsTrial   bool            `json:"is_trial"`
	TrialDays int             `json:"trial_days,omitempty"`
}

// Quote prices a package. A trial is only sold monthly, only when the package
// has one, and only to eligible users.
func Quote(pkg *package_models.Package, period string, trial, trialEligible bool, vatRate decimal.Decimal, currency string) (Price, error) {
	if !shared_models.ValidPeriod(period) {
		return Price{}, ErrInvalidPeriod
	}

	net, err := pkg.PriceFor(period)
	if err != nil {
		return Price{}, ErrInvalidPeriod
	}

	p := Price{VATRate: vatRate, Currency: currency, Period: period}
	if trial {
		if !pkg.HasTrial() || period != shared_models.PeriodMonthly {
			return Price{}, ErrTrialUnavailable
		}
		if !trialEligible {
			return Price{}, ErrTrialNotEligible
		}
		net = pkg.TrialPrice.Decimal
		p.IsTrial = true
		p.TrialDays = pkg.TrialDays
	}

	p.Net = net.Round(2)
	p.Gross = GrossFromNet(p.Net, vatRate)
	p.VAT = p.Gross.Sub(p.Net)
	return p, nil
}

// GrossFromNet adds VAT and rounds half-up to cents.
func GrossFromNet(net, vatRate decimal.Decimal) decimal.Decimal {
	return net.Mul(decimal.NewFromInt(1).Add(vatRate)).Round(2)
}

// PeriodEnd returns when a period bought at start runs out.
func PeriodEnd(start time.Time, period string, trial bool, trialDays int) time.Time {
	switch {
	case trial:
		return start.AddDate(0, 0, trialDays)
	case period == shared_models.PeriodYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}
