package domain

import "time"

type Conversation struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	IsolationKey string    `json:"isolation_key"`
	CreatedAt    time.Time `json:"created_at"`
}
