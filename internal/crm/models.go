// Package crm talks to the HubSpot API on behalf of a business account:
// contact lookup by phone, call engagements and calling-extension settings.
package crm

import (
	"errors"
	"time"
)

var ErrAccountMissing = errors.New("crm: account not found")

// Contact is the slice of a CRM contact that routing needs.
type Contact struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	MobilePhone string `json:"mobile_phone,omitempty"`
}

// DisplayName is "First Last", falling back to the phone number.
func (c Contact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	case c.LastName != "":
		return c.LastName
	case c.Phone != "":
		return c.Phone
	default:
		return c.MobilePhone
	}
}

// CallSummary is what gets written to the CRM as a call engagement.
type CallSummary struct {
	Direction       string
	Status          string
	From            string
	To              string
	DurationSeconds int
	RecordingURL    string
	Transcript      string
	OccurredAt      time.Time
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchFilterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchRequest struct {
	FilterGroups []searchFilterGroup `json:"filterGroups"`
	Properties   []string            `json:"properties"`
	Limit        int                 `json:"limit"`
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
	} `json:"results"`
}

type associationType struct {
	Category string `json:"associationCategory"`
	TypeID   int    `json:"associationTypeId"`
}

type association struct {
	To struct {
		ID string `json:"id"`
	} `json:"to"`
	Types []associationType `json:"types"`
}

type engagementRequest struct {
	Properties   map[string]string `json:"properties"`
	Associations []association     `json:"associations,omitempty"`
}

type objectResponse struct {
	ID string `json:"id"`
}

type callingSettingsRequest struct {
	Name                  string `json:"name"`
	URL                   string `json:"url"`
	Height                int    `json:"height"`
	Width                 int    `json:"width"`
	IsReady               bool   `json:"isReady"`
	SupportsCustomObjects bool   `json:"supportsCustomObjects"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenInfo struct {
	HubID  int64  `json:"hub_id"`
	UserID int64  `json:"user_id"`
	User   string `json:"user"`
}
