package models

import "time"

type PaymentMethod string

const (
	MethodSubscription PaymentMethod = "subscription"
	MethodTrial        PaymentMethod = "trial"
	MethodToken        PaymentMethod = "token"
)

// Counter names one of the two balance columns on an account.
type Counter string

const (
	CounterTrial Counter = "trial"
	CounterToken Counter = "token"
)

// CounterFor maps a charged payment method back to the balance it drew from.
// Subscription requests draw from nothing.
func CounterFor(method PaymentMethod) (Counter, bool) {
	switch method {
	case MethodTrial:
		return CounterTrial, true
	case MethodToken:
		return CounterToken, true
	default:
		return "", false
	}
}

type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindDeduction  TransactionKind = "deduction"
	KindRefund     TransactionKind = "refund"
	KindAutoReload TransactionKind = "auto_reload"
)

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationPartial    GenerationStatus = "partial"
	GenerationFailed     GenerationStatus = "failed"
)

type AreaStatus string

const (
	AreaPending    AreaStatus = "pending"
	AreaProcessing AreaStatus = "processing"
	AreaCompleted  AreaStatus = "completed"
	AreaFailed     AreaStatus = "failed"
)

func (s AreaStatus) Terminal() bool {
	return s == AreaCompleted || s == AreaFailed
}

// AutoReload holds the per-account automatic top-up settings and the
// durable trigger bookkeeping (throttle timestamp, failure kill-switch).
type AutoReload struct {
	Enabled      bool
	Threshold    int
	Amount       int
	FailureCount int
	LastReloadAt *time.Time
}

type Account struct {
	UserID             int64
	TrialRemaining     int
	TokenBalance       int
	SubscriptionActive bool
	AutoReload         AutoReload
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Transaction is one immutable entry in the audit trail. Amount is signed in
// generation units; BalanceAfter is the counter value immediately after this
// entry was applied.
type Transaction struct {
	ID              int64
	UserID          int64
	Counter         Counter
	Kind            TransactionKind
	Amount          int
	BalanceAfter    int
	ExternalEventID string
	ReferenceID     string
	CreatedAt       time.Time
}

type GenerationRequest struct {
	ID            string
	UserID        int64
	Address       string
	BaseImageURL  string
	PaymentMethod PaymentMethod
	UnitsCharged  int
	Status        GenerationStatus
	Areas         []GenerationArea
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Progress aggregates per-area progress into a 0-100 value for the request.
func (r *GenerationRequest) Progress() int {
	if len(r.Areas) == 0 {
		return 0
	}
	total := 0
	for _, a := range r.Areas {
		if a.Status.Terminal() {
			total += 100
			continue
		}
		total += a.Progress
	}
	return total / len(r.Areas)
}

type GenerationArea struct {
	ID           string
	GenerationID string
	AreaType     string
	Style        string
	CustomPrompt string
	Status       AreaStatus
	Progress     int
	ResultURL    string
	Error        string
	Refunded     bool
	UpdatedAt    time.Time
}
