package models

// Credentials is the read-only per-account binding supplied by the credential store.
type Credentials struct {
	Name         string `json:"name"`
	SessionToken string `json:"-"`
	Referer      string `json:"referer,omitempty"`
	ExtraParams  string `json:"extra_params,omitempty"`
}
