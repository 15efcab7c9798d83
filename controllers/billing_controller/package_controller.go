package billing_controller

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/utils"
)

type packageListing struct {
	package_models.Package
	Monthly payment_handlers.Price  `json:"monthly"`
	Yearly  payment_handlers.Price  `json:"yearly"`
	Trial   *payment_handlers.Price `json:"trial,omitempty"`
}

// ListPackages returns the packages on sale with VAT-inclusive prices.
func (bc *BillingController) ListPackages(c *gin.Context) {
	packages, err := bc.Base.Repository().ListActivePackages(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	cfg := bc.Base.Config()
	out := make([]packageListing, 0, len(packages))
	for i := range packages {
		pkg := &packages[i]
		monthly, err := payment_handlers.Quote(pkg, shared_models.PeriodMonthly, false, false, cfg.VATRate, cfg.Currency)
		if err != nil {
			respondError(c, err)
			return
		}
		yearly, err := payment_handlers.Quote(pkg, shared_models.PeriodYearly, false, false, cfg.VATRate, cfg.Currency)
		if err != nil {
			respondError(c, err)
			return
		}
		listing := packageListing{Package: *pkg, Monthly: monthly, Yearly: yearly}
		if pkg.HasTrial() {
			trial, err := payment_handlers.Quote(pkg, shared_models.PeriodMonthly, true, true, cfg.VATRate, cfg.Currency)
			if err == nil {
				listing.Trial = &trial
			}
		}
		out = append(out, listing)
	}
	c.JSON(http.StatusOK, gin.H{"packages": out})
}

// QuotePackage prices a package for the caller, applying the trial only when
// they are eligible.
func (bc *BillingController) QuotePackage(c *gin.Context) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return
	}
	packageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	period := c.DefaultQuery("period", shared_models.PeriodMonthly)
	trial, _ := strconv.ParseBool(c.Query("trial"))

	pkg, price, err := bc.Base.QuoteFor(c.Request.Context(), userID, packageID, period, trial)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": pkg, "price": price})
}
