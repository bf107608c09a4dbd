package common

import "encoding/json"

// Response is the {success, data} envelope every endpoint answers with.
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// RawResponse is the decoding side of Response: data is kept raw until the success flag is known.
type RawResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
