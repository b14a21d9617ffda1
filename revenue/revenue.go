package revenue

import (
	"time"

	"gorm.io/datatypes"
)

// Report is the per-day revenue rollup. One row per calendar day,
// regenerated in place whenever the aggregation runs.
type Report struct {
	ID             string            `json:"id" gorm:"primaryKey"`
	Date           time.Time         `json:"date" gorm:"uniqueIndex;not null"`
	GrossAmount    float64           `json:"grossAmount" gorm:"not null"`
	RefundedAmount float64           `json:"refundedAmount" gorm:"not null"`
	NetAmount      float64           `json:"netAmount" gorm:"not null"`
	PaymentCount   int64             `json:"paymentCount" gorm:"not null"`
	RefundCount    int64             `json:"refundCount" gorm:"not null"`
	PlanBreakdown  datatypes.JSONMap `json:"planBreakdown"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type planSum struct {
	PlanID string
	Total  float64
}

// planBreakdown maps each plan id to the gross amount settled against it
func planBreakdown(rows []planSum) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for _, row := range rows {
		if len(row.PlanID) == 0 {
			continue
		}
		out[row.PlanID] = row.Total
	}
	return out
}

// dayWindow returns the UTC day containing t as a half-open interval
func dayWindow(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(24 * time.Hour)
	return start, start.Add(24 * time.Hour)
}
