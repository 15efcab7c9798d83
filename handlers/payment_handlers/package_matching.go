package payment_handlers

import (
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/shopspring/decimal"
)

// Match confidence, strongest first.
const (
	ConfidenceExact       = "exact"
	ConfidenceNet         = "net"
	ConfidenceApproximate = "approximate"
)

// PackageMatch is the package a received amount most likely paid for.
type PackageMatch struct {
	Package    *package_models.Package `json:"package"`
	Period     string                  `json:"period"`
	IsTrial    bool                    `json:"is_trial"`
	Expected   decimal.Decimal         `json:"expected"`
	Confidence string                  `json:"confidence"`
}

var exactThreshold = decimal.RequireFromString("0.01")

type priceCandidate struct {
	pkg     *package_models.Package
	period  string
	isTrial bool
	gross   decimal.Decimal
	net     decimal.Decimal
}

// score orders one candidate against an amount: lower tier wins, then lower
// diff, then gross before net.
type score struct {
	tier     int
	diff     decimal.Decimal
	net      bool
	expected decimal.Decimal
}

func (s score) better(o score) bool {
	if s.tier != o.tier {
		return s.tier < o.tier
	}
	if c := s.diff.Cmp(o.diff); c != 0 {
		return c < 0
	}
	return !s.net && o.net
}

func (s score) ties(o score) bool {
	return s.tier == o.tier && s.diff.Equal(o.diff) && s.net == o.net
}

func candidatesFor(packages []package_models.Package, vatRate decimal.Decimal) []priceCandidate {
	var out []priceCandidate
	for i := range packages {
		pkg := &packages[i]
		if !pkg.IsActive {
			continue
		}
		add := func(period string, trial bool, net decimal.Decimal) {
			if !net.IsPositive() {
				return
			}
			out = append(out, priceCandidate{pkg: pkg, period: period, isTrial: trial, net: net, gross: GrossFromNet(net, vatRate)})
		}
		add(shared_models.PeriodMonthly, false, pkg.MonthlyPrice)
		add(shared_models.PeriodYearly, false, pkg.YearlyPrice)
		if pkg.HasTrial() {
			add(shared_models.PeriodMonthly, true, pkg.TrialPrice.Decimal)
		}
	}
	return out
}

func scoreCandidate(c priceCandidate, amount, tolerance decimal.Decimal) (score, bool) {
	grossDiff := amount.Sub(c.gross).Abs()
	netDiff := amount.Sub(c.net).Abs()

	if grossDiff.LessThanOrEqual(exactThreshold) {
		return score{tier: 0, diff: grossDiff, expected: c.gross}, true
	}
	if netDiff.LessThanOrEqual(exactThreshold) {
		return score{tier: 1, diff: netDiff, net: true, expected: c.net}, true
	}

	grossRel := grossDiff.Div(c.gross)
	netRel := netDiff.Div(c.net)
	best := score{tier: 2, diff: grossRel, expected: c.gross}
	if netRel.LessThan(grossRel) {
		best = score{tier: 2, diff: netRel, net: true, expected: c.net}
	}
	if best.diff.GreaterThan(tolerance) {
		return score{}, false
	}
	return best, true
}

// MatchPackageByAmount finds which package, period and trial flag an amount
// paid for, trying gross prices, then net prices, then a relative tolerance.
func MatchPackageByAmount(packages []package_models.Package, amount, vatRate, tolerance decimal.Decimal) (*PackageMatch, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var (
		best      *priceCandidate
		bestScore score
		ambiguous bool
	)
	for _, c := range candidatesFor(packages, vatRate) {
		c := c
		s, ok := scoreCandidate(c, amount, tolerance)
		if !ok {
			continue
		}
		switch {
		case best == nil || s.better(bestScore):
			best, bestScore, ambiguous = &c, s, false
		case s.ties(bestScore):
			ambiguous = true
		}
	}

	if best == nil {
		return nil, ErrNoPackageMatch
	}
	if ambiguous {
		return nil, ErrAmbiguousAmount
	}

	confidence := ConfidenceApproximate
	switch bestScore.tier {
	case 0:
		confidence = ConfidenceExact
	case 1:
		confidence = ConfidenceNet
	}
	return &PackageMatch{
		Package:    best.pkg,
		Period:     best.period,
		IsTrial:    best.isTrial,
		Expected:   bestScore.expected,
		Confidence: confidence,
	}, nil
}
