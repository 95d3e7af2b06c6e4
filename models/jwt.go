package models

// JobClaims is the claim set of a signed job descriptor.
type JobClaims struct {
	Issuer    string     `json:"iss"` // optional
	Subject   string     `json:"sub"`
	IssuedAt  int64      `json:"iat"`
	ExpiresAt int64      `json:"exp"`
	Job       JobMessage `json:"job"`
}
