// Package mail sends billing e-mails over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joy095/billing/config"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
	"github.com/joy095/billing/receipts"
	gomail "gopkg.in/gomail.v2"
)

//go:embed templates/*.html
var templateFS embed.FS

// Email templates
const (
	paymentCompletedTemplate = "payment_completed.html"
	bankInstructionsTemplate = "bank_transfer_instructions.html"
	paymentFailedTemplate    = "payment_failed.html"
	renewalDisabledTemplate  = "renewal_disabled.html"
	dateLayout               = "2 January 2006"
)

// Sender delivers messages; *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// LogSender writes messages to the info log instead of sending them, for
// environments without SMTP.
type LogSender struct{}

func (LogSender) DialAndSend(msgs ...*gomail.Message) error {
	for _, m := range msgs {
		logger.InfoLogger.Infof("Email not sent (SMTP disabled): to=%v subject=%v", m.GetHeader("To"), m.GetHeader("Subject"))
	}
	return nil
}

// Mailer implements the payment notifier with HTML e-mails.
type Mailer struct {
	sender      Sender
	from        string
	company     string
	frontendURL string
	receipts    *receipts.Generator
	templates   *template.Template
}

// NewMailer parses the embedded templates. receipts may be nil, in which case
// completion mails carry no PDF.
func NewMailer(sender Sender, from, company, frontendURL string, gen *receipts.Generator) (*Mailer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	return &Mailer{
		sender:      sender,
		from:        from,
		company:     company,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		receipts:    gen,
		templates:   tmpl,
	}, nil
}

// NewSMTPDialer builds a dialer from SMTP_HOST, SMTP_PORT, SMTP_USERNAME and SMTP_PASSWORD.
func NewSMTPDialer() (*gomail.Dialer, error) {
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP port: %w", err)
	}
	smtpHost := os.Getenv("SMTP_HOST")
	dialer := gomail.NewDialer(smtpHost, port, os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"))
	dialer.TLSConfig = &tls.Config{
		InsecureSkipVerify: false,
		ServerName:         smtpHost,
	}
	return dialer, nil
}

type emailData struct {
	Subject       string
	Name          string
	Company       string
	Year          int
	BillingURL    string
	Package       string
	Period        string
	Amount        string
	Currency      string
	TransactionID string
	CardLast4     string
	Reference     string
	Reason        string
	ExpiresAt     string
	PeriodEnd     string
	BankAccounts  []config.BankAccount
}

func (m *Mailer) baseData(subject string, profile *user_models.BillingProfile, pkg *package_models.Package) emailData {
	name := profile.FullName
	if name == "" {
		name = profile.Email
	}
	return emailData{
		Subject:    subject,
		Name:       name,
		Company:    m.company,
		Year:       time.Now().Year(),
		BillingURL: m.frontendURL + "/billing",
		Package:    pkg.Name,
	}
}

func withTransaction(d emailData, t *payment_transaction_models.PaymentTransaction) emailData {
	d.Period = t.Period
	if t.IsTrial {
		d.Period = "trial"
	}
	d.Amount = t.Amount.StringFixed(2)
	d.Currency = t.Currency
	d.TransactionID = t.ID.String()
	d.CardLast4 = t.CardLast4
	if t.ReferenceCode != nil {
		d.Reference = *t.ReferenceCode
	}
	return d
}

func (m *Mailer) render(templateName string, data emailData) (string, error) {
	var body bytes.Buffer
	if err := m.templates.ExecuteTemplate(&body, templateName, data); err != nil {
		logger.ErrorLogger.Errorf("Failed to execute email template %s: %v", templateName, err)
		return "", fmt.Errorf("failed to execute email template: %w", err)
	}
	return body.String(), nil
}

func (m *Mailer) send(to, templateName string, data emailData, decorate func(*gomail.Message)) error {
	body, err := m.render(templateName, data)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", data.Subject)
	msg.SetBody("text/html", body)
	if decorate != nil {
		decorate(msg)
	}

	if err := m.sender.DialAndSend(msg); err != nil {
		logger.ErrorLogger.Errorf("Failed to send email to %s: %v", to, err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	logger.InfoLogger.Infof("Sent %s to %s", templateName, to)
	return nil
}

// PaymentCompleted sends the payment confirmation with the PDF receipt attached.
func (m *Mailer) PaymentCompleted(_ context.Context, profile *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package) error {
	data := withTransaction(m.baseData("Payment received", profile, pkg), t)

	var attach func(*gomail.Message)
	if m.receipts != nil {
		pdf, err := m.receipts.GeneratePDF(t, pkg, profile)
		if err != nil {
			logger.WarnLogger.Warnf("Sending confirmation for %s without receipt: %v", t.ID, err)
		} else {
			attach = func(msg *gomail.Message) {
				msg.Attach(fmt.Sprintf("receipt-%s.pdf", t.ID), gomail.SetCopyFunc(func(w io.Writer) error {
					_, err := w.Write(pdf)
					return err
				}))
			}
		}
	}
	return m.send(profile.Email, paymentCompletedTemplate, data, attach)
}

// BankTransferInstructions sends the accounts and reference code for a transfer.
func (m *Mailer) BankTransferInstructions(_ context.Context, profile *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package, accounts []config.BankAccount) error {
	data := withTransaction(m.baseData("Bank transfer details", profile, pkg), t)
	data.BankAccounts = accounts
	if t.ExpiresAt != nil {
		data.ExpiresAt = t.ExpiresAt.Format(dateLayout)
	}
	return m.send(profile.Email, bankInstructionsTemplate, data, nil)
}

func (m *Mailer) PaymentFailed(_ context.Context, profile *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package) error {
	data := withTransaction(m.baseData("Payment not completed", profile, pkg), t)
	data.Reason = t.ErrorMessage
	return m.send(profile.Email, paymentFailedTemplate, data, nil)
}

func (m *Mailer) RenewalDisabled(_ context.Context, profile *user_models.BillingProfile, sub *subscription_models.Subscription, pkg *package_models.Package) error {
	data := m.baseData("Automatic renewal turned off", profile, pkg)
	data.Period = sub.Period
	data.PeriodEnd = sub.CurrentPeriodEnd.Format(dateLayout)
	return m.send(profile.Email, renewalDisabledTemplate, data, nil)
}
