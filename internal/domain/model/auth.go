package model

// AuthResult is the verdict returned by the remote identity service.
type AuthResult struct {
	Success  bool     `json:"success"`
	UserID   string   `json:"userId"`
	Channels []string `json:"channels"`
}
