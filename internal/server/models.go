package server

import "time"

// HTTPError is the uniform error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Tier     string `json:"tier,omitempty"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type RegisterMediaRequest struct {
	Kind    string `json:"kind"`
	Locator string `json:"locator"`
}

type MediaResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Locator       string    `json:"locator"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

type JobResponse struct {
	ID          string     `json:"id"`
	Capability  string     `json:"capability"`
	Mandatory   bool       `json:"mandatory"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type MediaDetailResponse struct {
	MediaResponse
	Jobs    []JobResponse  `json:"jobs,omitempty"`
	Content *ContentDetail `json:"content,omitempty"`
}

type ContentDetail struct {
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SearchRequest struct {
	Query  string        `json:"query"`
	Filter SearchFilter  `json:"filter"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

type SearchFilter struct {
	Kind string     `json:"kind,omitempty"`
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
	Tags []string   `json:"tags,omitempty"`
}

type BudgetStatusResponse struct {
	Tier        string  `json:"tier"`
	Ceiling     float64 `json:"ceiling"`
	PeriodSpend float64 `json:"period_spend"`
	Remaining   float64 `json:"remaining"`
	Currency    string  `json:"currency"`
}
