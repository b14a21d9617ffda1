package payment

import "math"

// Status represents the lifecycle state of a payment
type Status string

// All possible states of a payment
const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

// Type describes what a payment is for
type Type string

// All possible purposes of a payment
const (
	TypeSubscription Type = "SUBSCRIPTION"
	TypeUpgrade      Type = "UPGRADE"
	TypeRenewal      Type = "RENEWAL"
)

// Invoice states
const (
	InvoiceOpen = "OPEN"
	InvoicePaid = "PAID"
	InvoiceVoid = "VOID"
)

const (
	// maxRetries bounds how many times a failed payment may be retried
	maxRetries = 3
	// amountEpsilon is the tolerance when comparing monetary amounts
	// that crossed a float boundary (gateway JSON)
	amountEpsilon = 0.01
	// dedupeAmountWindow treats pending charges within this range of
	// each other as the same intent
	dedupeAmountWindow = 1000.0
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing:        {StatusCompleted, StatusFailed},
	StatusFailed:            {StatusPending, StatusCancelled},
	StatusCompleted:         {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunded, StatusPartiallyRefunded},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func amountMatches(a, b float64) bool {
	return math.Abs(a-b) <= amountEpsilon
}
