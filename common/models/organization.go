package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant. A nil organization reference anywhere in
// the system means the global scope.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
