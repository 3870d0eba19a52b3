package branches

import (
	"time"
)

// Branch represents a company branch. Legacy trade documents are scoped to a
// branch, so the stock engine resolves store -> branch through this entity.
type Branch struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
