package models

import "time"

// WorkerCredential is an administrator-issued worker identity. Only the hash
// of the raw token is stored.
type WorkerCredential struct {
	ID                  string    `json:"id"`
	WorkerID            string    `json:"workerId"`
	TokenHash           string    `json:"-"`
	Description         *string   `json:"description,omitempty"`
	AllowedRepositories []string  `json:"allowedRepositories"`
	AllowedJobTypes     []string  `json:"allowedJobTypes"`
	Capabilities        []string  `json:"capabilities"`
	IsActive            bool      `json:"isActive"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// NewCredential is the input for persisting a credential.
type NewCredential struct {
	WorkerID            string
	TokenHash           string
	Description         string
	AllowedRepositories []string
	AllowedJobTypes     []string
	Capabilities        []string
}
