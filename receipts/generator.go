// Package receipts renders PDF receipts for completed payments.
package receipts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/user_models"
	"github.com/jung-kurt/gofpdf"
)

// ErrNotCompleted is returned for transactions that have not been paid.
var ErrNotCompleted = errors.New("receipt is only available for completed payments")

const dateLayout = "January 2, 2006 15:04 MST"

// Generator generates PDF receipts for transactions
type Generator struct {
	companyName string
	key         []byte
}

func NewGenerator(companyName string, key []byte) *Generator {
	return &Generator{companyName: companyName, key: key}
}

// KeyFromEnv returns RECEIPT_SIGNATURE_KEY, or a development key with a warning.
func KeyFromEnv() []byte {
	key := os.Getenv("RECEIPT_SIGNATURE_KEY")
	if key == "" {
		logger.WarnLogger.Warn("RECEIPT_SIGNATURE_KEY not set, receipts are signed with an insecure development key")
		return []byte("billing-dev-receipt-key")
	}
	return []byte(key)
}

func (g *Generator) signature(t *payment_transaction_models.PaymentTransaction) []byte {
	completed := ""
	if t.CompletedAt != nil {
		completed = t.CompletedAt.UTC().Format("20060102150405")
	}
	data := fmt.Sprintf("%s|%s|%s|%s|%s", t.ID, t.UserID, t.Amount.StringFixed(2), t.Currency, completed)
	h := hmac.New(sha256.New, g.key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// VerificationCode is the short code printed on a receipt.
func (g *Generator) VerificationCode(t *payment_transaction_models.PaymentTransaction) string {
	return "RCPT-" + strings.ToUpper(hex.EncodeToString(g.signature(t))[:16])
}

// Verify reports whether code was issued for this transaction.
func (g *Generator) Verify(t *payment_transaction_models.PaymentTransaction, code string) bool {
	return hmac.Equal([]byte(g.VerificationCode(t)), []byte(strings.ToUpper(strings.TrimSpace(code))))
}

// GeneratePDF generates a PDF receipt for a completed transaction.
func (g *Generator) GeneratePDF(t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package, profile *user_models.BillingProfile) ([]byte, error) {
	if t.Status != payment_transaction_models.StatusCompleted {
		return nil, ErrNotCompleted
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Receipt "+t.ID.String(), true)
	pdf.AddPage()

	// Header
	pdf.SetFont("Helvetica", "B", 22)
	pdf.SetTextColor(30, 64, 175)
	pdf.CellFormat(190, 14, tr(g.companyName), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(190, 8, "Payment Receipt", "", 1, "C", false, 0, "")
	pdf.Ln(8)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFillColor(248, 250, 252)
	startY := pdf.GetY()
	pdf.Rect(10, startY, 190, 45, "F")

	rows := [][2]string{
		{"Receipt No:", t.ID.String()},
		{"Date:", t.CompletedAt.Format(dateLayout)},
		{"Billed To:", tr(fmt.Sprintf("%s <%s>", profile.FullName, profile.Email))},
		{"Payment Method:", paymentMethod(t)},
		{"Status:", "PAID"},
	}
	for i, row := range rows {
		pdf.SetXY(15, startY+4+float64(i)*8)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Cell(40, 8, row[0])
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 8, row[1])
	}
	pdf.SetXY(10, startY+52)

	// Amount table
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(190, 10, "Summary", "", 1, "L", false, 0, "")
	pdf.SetFillColor(229, 231, 235)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(120, 8, "Description", "1", 0, "L", true, 0, "")
	pdf.CellFormat(70, 8, "Amount", "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(120, 8, tr(describe(t, pkg)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(70, 8, money(t.NetAmount.StringFixed(2), t.Currency), "1", 1, "R", false, 0, "")
	pdf.CellFormat(120, 8, "VAT", "1", 0, "L", false, 0, "")
	pdf.CellFormat(70, 8, money(t.VATAmount.StringFixed(2), t.Currency), "1", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(30, 64, 175)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(120, 10, "Total Paid", "1", 0, "L", true, 0, "")
	pdf.CellFormat(70, 10, money(t.Amount.StringFixed(2), t.Currency), "1", 1, "R", true, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(12)

	// Verification
	pdf.SetFillColor(30, 41, 59)
	sigY := pdf.GetY()
	pdf.Rect(10, sigY, 190, 24, "F")
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(147, 197, 253)
	pdf.SetXY(15, sigY+4)
	pdf.Cell(180, 6, "Verification Code")
	pdf.SetFont("Courier", "B", 12)
	pdf.SetTextColor(230, 230, 230)
	pdf.SetXY(15, sigY+12)
	pdf.Cell(180, 6, g.VerificationCode(t))

	pdf.SetXY(10, sigY+30)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.SetTextColor(128, 128, 128)
	pdf.CellFormat(190, 6, tr(fmt.Sprintf("This is an automated receipt from %s.", g.companyName)), "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render receipt %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

func paymentMethod(t *payment_transaction_models.PaymentTransaction) string {
	if t.Channel == shared_models.ChannelBankTransfer {
		if t.ReferenceCode != nil {
			return "Bank transfer, reference " + *t.ReferenceCode
		}
		return "Bank transfer"
	}
	if t.CardLast4 != "" {
		return "Card ending in " + t.CardLast4
	}
	return "Card"
}

func describe(t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package) string {
	switch {
	case t.IsTrial:
		return fmt.Sprintf("%s trial (%d days)", pkg.Name, pkg.TrialDays)
	case t.Source == payment_transaction_models.SourceRenewal:
		return fmt.Sprintf("%s %s renewal", pkg.Name, t.Period)
	default:
		return fmt.Sprintf("%s %s subscription", pkg.Name, t.Period)
	}
}

func money(amount, currency string) string {
	return amount + " " + currency
}
