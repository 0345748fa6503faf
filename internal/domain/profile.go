package domain

import "time"

// ProfileAttributes is the canonical shape of an upstream profile once
// provider-specific field aliases have been normalized.
type ProfileAttributes struct {
	ProfileID            string         `json:"profile_id"`
	OrgID                string         `json:"org_id"`
	Email                string         `json:"email"`
	CompanyName          string         `json:"company_name,omitempty"`
	CompanyAddress       string         `json:"company_address,omitempty"`
	State                string         `json:"state,omitempty"`
	Pincode              string         `json:"pincode,omitempty"`
	GSTNumber            string         `json:"gst_number,omitempty"`
	CINNumber            string         `json:"cin_number,omitempty"`
	PANNumber            string         `json:"pan_number,omitempty"`
	AuthorizedPersonName string         `json:"authorized_person_name,omitempty"`
	Designation          string         `json:"designation,omitempty"`
	Mobile               string         `json:"mobile,omitempty"`
	Landline             string         `json:"landline,omitempty"`
	Status               string         `json:"status,omitempty"`
	ComplianceStatus     string         `json:"compliance_status,omitempty"`
	ExchangeAccess       string         `json:"exchange_access,omitempty"`
	ValidTill            *time.Time     `json:"valid_till,omitempty"`
	Registrations        []Registration `json:"registrations,omitempty"`
}

// Registration is one portal registration block inside an upstream profile.
type Registration struct {
	OrgID                string     `json:"org_id,omitempty"`
	PortalID             string     `json:"portal_id,omitempty"`
	PortalName           string     `json:"portal_name,omitempty"`
	PartyID              string     `json:"party_id,omitempty"`
	Role                 string     `json:"role,omitempty"`
	TypeID               string     `json:"type_id,omitempty"`
	RegistrationNumber   string     `json:"registration_number,omitempty"`
	Status               string     `json:"status,omitempty"`
	ValidTill            *time.Time `json:"valid_till,omitempty"`
	PortalInternalID     string     `json:"portal_internal_id,omitempty"`
	UnitAddress          string     `json:"unit_address,omitempty"`
	State                string     `json:"state,omitempty"`
	Pincode              string     `json:"pincode,omitempty"`
	GSTNumber            string     `json:"gst_number,omitempty"`
	AuthorizedCategories []string   `json:"authorized_categories,omitempty"`
	CertificateCount     int        `json:"certificate_count,omitempty"`
}

// RegistrationsClaim assembles the nested claim payload embedded in broker
// access tokens.
func (p ProfileAttributes) RegistrationsClaim() map[string]any {
	claim := map[string]any{
		"portals":         p.Registrations,
		"status":          "Active",
		"exchange_access": "allowed",
	}
	if p.Status != "" {
		claim["status"] = p.Status
	}
	if p.ExchangeAccess != "" {
		claim["exchange_access"] = p.ExchangeAccess
	}
	if p.Registrations == nil {
		claim["portals"] = []Registration{}
	}
	return claim
}
