package store

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ChargeRequested = "requested"
	ChargePaid      = "paid"
	ChargeFailed    = "failed"
	ChargeExpired   = "expired"
)

const DepositPaid = "Paid"

const (
	PayoutPending  = "pending"
	PayoutApproved = "approved"
	PayoutRejected = "rejected"
	PayoutPaid     = "paid"
)

const (
	TierOne = 1
	TierTwo = 2
)

type Charge struct {
	TrackID       string
	Email         string
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	PayCurrency   string
	Status        string
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Deposit struct {
	ID             int64
	TrackID        string
	Amount         decimal.Decimal
	ReceivedAmount decimal.Decimal
	Currency       string
	PayCurrency    string
	TransactionID  string
	ReferralCode   string
	Email          string
	Status         string
	CreatedAt      time.Time
}

type RecordDepositInput struct {
	TrackID        string
	Amount         decimal.Decimal
	ReceivedAmount decimal.Decimal
	Currency       string
	PayCurrency    string
	TransactionID  string
	Email          string
	Status         string
}

type ReferralCode struct {
	Owner     string
	Code      string
	CreatedAt time.Time
}

type Referral struct {
	ID            int64
	UserID        string
	ReferrerCode1 string
	ReferrerCode2 string
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

type CreateReferralInput struct {
	UserID       string
	ReferrerCode string
	Amount       decimal.Decimal
}

type Reward struct {
	ID           int64
	UserID       string
	ReferrerCode string
	Tier         int
	Amount       decimal.Decimal
	Currency     string
	// LastReferralID is the newest referral a tier-2 reward counted.
	LastReferralID int64
	CreatedAt      time.Time
}

type Grant struct {
	ID        int64
	GrantorID string
	GranteeID string
	Privilege string
	CreatedAt time.Time
}

type Payout struct {
	ID        int64
	UserID    string
	Amount    decimal.Decimal
	Currency  string
	Address   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CreatePayoutInput struct {
	UserID   string
	Amount   decimal.Decimal
	Currency string
	Address  string
}

// CodeGenerator produces candidate referral codes.
type CodeGenerator func() (string, error)
