package catalog

import "time"

type Status int

const (
	StatusOnSale        Status = 1
	StatusInTransaction Status = 2
	StatusFinished      Status = 3
	StatusDelisted      Status = 4
)

func (s Status) Valid() bool { return s >= StatusOnSale && s <= StatusDelisted }

// Item is a listed good. Price is in minor currency units.
type Item struct {
	ID        int64     `json:"id"`
	SellerID  int64     `json:"seller_id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Stock     int       `json:"stock"`
	Image     string    `json:"image,omitempty"`
	Category  string    `json:"category,omitempty"`
	Brand     string    `json:"brand,omitempty"`
	Spec      string    `json:"spec,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
