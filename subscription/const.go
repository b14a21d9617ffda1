package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining the valid states of a Subscription
const (
	StatusPending   Status = "PENDING"
	StatusTrial     Status = "TRIAL"
	StatusActive    Status = "ACTIVE"
	StatusPastDue   Status = "PAST_DUE"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Change reasons recorded in SubscriptionHistory
const (
	ChangeUpgrade    string = "UPGRADE"
	ChangeDowngrade         = "DOWNGRADE"
	ChangeRenewal           = "RENEWAL"
	ChangeExpiration        = "EXPIRATION"
)
