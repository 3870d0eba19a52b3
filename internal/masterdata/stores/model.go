package stores

import (
	"time"
)

// Store represents a physical stock location. Movements are scoped to a
// store; legacy documents are scoped to the store's branch.
type Store struct {
	ID        int64     `json:"id"`
	BranchID  int64     `json:"branch_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
