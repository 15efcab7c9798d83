package test_utils

import (
	"time"

	"github.com/google/uuid"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/user_models"
	"github.com/shopspring/decimal"
)

// Fixture is a seeded repository with two packages and one user.
type Fixture struct {
	Repo     *MemoryRepository
	Config   *config.PaymentConfig
	Gateway  *FakeGateway
	Locker   *MemoryLocker
	Notifier *RecordingNotifier
	Starter  package_models.Package // 100/month, 1000/year, 10 trial for 7 days
	Pro      package_models.Package // 250/month, 2500/year, no trial
	UserID   uuid.UUID
	Now      time.Time
}

func NewFixture() *Fixture {
	f := &Fixture{
		Repo:     NewMemoryRepository(),
		Config:   config.DefaultPaymentConfig(),
		Gateway:  &FakeGateway{},
		Locker:   NewMemoryLocker(),
		Notifier: &RecordingNotifier{},
		UserID:   uuid.New(),
		Now:      time.Now().UTC().Truncate(time.Second),
	}
	f.Config.BankAccounts = []config.BankAccount{{BankName: "Test Bank", AccountHolder: "Billing Ltd", IBAN: "TR000000000000000000000001"}}

	f.Starter = package_models.Package{
		ID:           uuid.New(),
		Slug:         "starter",
		Name:         "Starter",
		MonthlyPrice: decimal.NewFromInt(100),
		YearlyPrice:  decimal.NewFromInt(1000),
		TrialPrice:   decimal.NewNullDecimal(decimal.NewFromInt(10)),
		TrialDays:    7,
		KeywordLimit: 100,
		IsActive:     true,
		SortOrder:    1,
	}
	f.Pro = package_models.Package{
		ID:           uuid.New(),
		Slug:         "pro",
		Name:         "Pro",
		MonthlyPrice: decimal.NewFromInt(250),
		YearlyPrice:  decimal.NewFromInt(2500),
		KeywordLimit: 1000,
		IsActive:     true,
		SortOrder:    2,
	}
	f.Repo.AddPackage(f.Starter)
	f.Repo.AddPackage(f.Pro)
	f.AddUser(f.UserID, "Ayşe Yılmaz", "ayse@example.com")
	return f
}

// AddUser seeds another billing profile.
func (f *Fixture) AddUser(id uuid.UUID, name, email string) {
	f.Repo.AddProfile(user_models.BillingProfile{ID: id, Email: email, FullName: name})
}

// Clock returns the fixture's fixed time, for SetClock.
func (f *Fixture) Clock() time.Time { return f.Now }
