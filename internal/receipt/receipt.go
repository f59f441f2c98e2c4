package receipt

import (
	"fmt"
	"time"
)

// Travel is a user's trip and the aggregation root for its receipts
type Travel struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	OwnerID     string    `json:"owner_id" gorm:"index;not null;size:100"`
	Country     string    `json:"country" gorm:"not null;size:100"`
	City        string    `json:"city" gorm:"not null;size:100"`
	Title       string    `json:"title" gorm:"not null;size:200"`
	StartDate   time.Time `json:"start_date" gorm:"not null"`
	EndDate     time.Time `json:"end_date" gorm:"not null"`
	Memo        string    `json:"memo,omitempty" gorm:"type:text"`
	TotalAmount int64     `json:"total_amount" gorm:"not null;default:0"` // Sum of receipt amounts, maintained by the store
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsOwner reports whether userID owns the travel
func (t *Travel) IsOwner(userID string) bool {
	return userID != "" && t.OwnerID == userID
}

// Location is the "City, Country" hint used when a receipt has no address
func (t *Travel) Location() string {
	switch {
	case t.City != "" && t.Country != "":
		return fmt.Sprintf("%s, %s", t.City, t.Country)
	case t.City != "":
		return t.City
	default:
		return t.Country
	}
}

// Receipt represents one expense of a travel
type Receipt struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	TravelID    string    `json:"travel_id" gorm:"index;not null;size:36"`
	StoreName   string    `json:"store_name" gorm:"not null;size:200"`
	Amount      int64     `json:"amount" gorm:"not null"` // Whole currency units, never negative
	Currency    *string   `json:"currency,omitempty" gorm:"size:3"`
	PaidAt      time.Time `json:"paid_at" gorm:"not null"`
	Category    *string   `json:"category,omitempty" gorm:"size:50"`
	Description *string   `json:"description,omitempty" gorm:"type:text"`
	Address     *string   `json:"address,omitempty" gorm:"size:500"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	ImageURL    string    `json:"image_url,omitempty" gorm:"size:500"`
	ContentType string    `json:"content_type,omitempty" gorm:"size:100"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReceiptUpdate holds owner edits to a receipt. Nil fields are left as they are.
type ReceiptUpdate struct {
	StoreName *string
	Amount    *int64
	PaidAt    *time.Time
	Category  *string
	Address   *string
	Currency  *string
}

func (u ReceiptUpdate) apply(r *Receipt) {
	if u.StoreName != nil {
		r.StoreName = *u.StoreName
	}
	if u.Amount != nil {
		r.Amount = *u.Amount
	}
	if u.PaidAt != nil {
		r.PaidAt = *u.PaidAt
	}
	if u.Category != nil {
		r.Category = u.Category
	}
	if u.Address != nil {
		r.Address = u.Address
	}
	if u.Currency != nil {
		r.Currency = u.Currency
	}
}

// TravelUpdate holds owner edits to a travel
type TravelUpdate struct {
	Country   string
	City      string
	Title     string
	StartDate time.Time
	EndDate   time.Time
	Memo      string
}
