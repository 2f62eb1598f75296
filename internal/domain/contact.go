package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact is a dialable person. Imported externally and never deleted here.
type Contact struct {
	ID          uuid.UUID
	Phone       string
	FirstName   string
	LastName    string
	Company     string
	Email       string
	LastResult  CallResult
	Blacklisted bool
	OptOut      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dialable reports whether the dispatcher may call this contact.
func (c Contact) Dialable() bool {
	return !c.Blacklisted && !c.OptOut
}

// ExclusionReason names why a contact must not be dialled.
func (c Contact) ExclusionReason() string {
	switch {
	case c.Blacklisted:
		return "contact_blacklisted"
	case c.OptOut:
		return "contact_opted_out"
	}
	return ""
}

// FullName joins first and last name.
func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}
