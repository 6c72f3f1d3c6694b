package models

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Message string `json:"message" example:"invalid origin \"ftp://a.com\": scheme must be http or https"`
	// Field names the rejected input when the request failed validation.
	Field string `json:"field,omitempty" example:"origin"`
}
