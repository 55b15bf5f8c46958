// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package httpserver provides the JSON error envelope used by the
// management API.
package httpserver

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-2xx management API response.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error replies to the request with the given error message and HTTP
// code, wrapped in the standard JSON envelope.
func Error(w http.ResponseWriter, error string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: []string{error}})
}
