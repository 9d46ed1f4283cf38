package domain

// RelayCredentials is the body of GET /turn-credentials.
type RelayCredentials struct {
	Success    bool     `json:"success"`
	URLs       []string `json:"urls,omitempty"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
	TTL        int64    `json:"ttl,omitempty"` // seconds
}
