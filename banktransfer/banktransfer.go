package banktransfer

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// Status represents the lifecycle state of a bank transfer intent
type Status string

// All possible states of a bank transfer
const (
	StatusPending   Status = "PENDING"
	StatusChecking  Status = "CHECKING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

const (
	// amountTolerance allows for float drift in bank-reported amounts
	amountTolerance = 0.01
	// DefaultTTL is how long a member has to complete the transfer
	// before the intent expires
	DefaultTTL = 48 * time.Hour
)

// transferContentRegex extracts the transfer code out of the free-form
// statement line. Banks append and prepend their own text, so only the
// SEVQR marker is relied upon.
var transferContentRegex = regexp.MustCompile(`SEVQR\s+GYMFIT\s+([A-Za-z0-9\-]+)`)

// BankTransfer is an expected incoming transfer for a payment. The
// member wires money with the generated code in the transfer note and
// the bank webhook matches it back.
type BankTransfer struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	Code      string     `json:"code" gorm:"uniqueIndex;not null"`
	PaymentID string     `json:"paymentId" gorm:"index;not null"`
	MemberID  string     `json:"memberId" gorm:"index;not null"`
	Amount    float64    `json:"amount" gorm:"not null"`
	Status    Status     `json:"status" gorm:"index;not null"`
	Gateway   string     `json:"gateway"`
	Content   string     `json:"content"`
	MatchedAt *time.Time `json:"matchedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Open reports whether the transfer can still be matched
func (t *BankTransfer) Open() bool {
	return t.Status == StatusPending || t.Status == StatusChecking
}

// ParseTransferCode pulls the transfer code out of a bank statement
// line, returning false when the line carries no recognizable marker
func ParseTransferCode(content string) (string, bool) {
	matches := transferContentRegex.FindStringSubmatch(content)
	if len(matches) != 2 {
		return "", false
	}
	return matches[1], true
}

// codeMatches tolerates truncation on either side: some banks cut long
// transfer notes, and members occasionally paste extra characters
func codeMatches(expected, got string) bool {
	expected = strings.ToUpper(expected)
	got = strings.ToUpper(got)
	if len(expected) == 0 || len(got) == 0 {
		return false
	}
	return strings.Contains(expected, got) || strings.Contains(got, expected)
}

func amountMatches(a, b float64) bool {
	return math.Abs(a-b) <= amountTolerance
}
