// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-qkd/pkg/cache"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrMissingKeyIDs  = errors.New("missing key_ids")
	ErrInternalError  = errors.New("internal server error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
)

// writeError writes an error response to the client.
func writeError(w http.ResponseWriter, err error, statusCode int) {
	writeErrorWithMessage(w, err, "", statusCode)
}

// writeErrorWithMessage writes an error response with a custom message.
func writeErrorWithMessage(w http.ResponseWriter, err error, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error:   err.Error(),
		Message: message,
		Code:    statusCode,
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Printf("Failed to encode error response: %v", encErr)
	}
}

// mapErrorToStatusCode maps errors to HTTP status codes. KME faults
// surface as 502 because the agent itself is working.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrMissingKeyIDs),
		errors.Is(err, qkd.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrKeyReuse),
		errors.Is(err, cache.ErrDuplicateKeyID),
		errors.Is(err, manager.ErrImportOnly):
		return http.StatusConflict
	case errors.Is(err, qkd.ErrUnauthorized),
		errors.Is(err, qkd.ErrMalformed),
		errors.Is(err, qkd.ErrUnreachable),
		errors.Is(err, qkd.ErrExhausted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, qkd.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError maps the error to a status code and writes the response.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, err, mapErrorToStatusCode(err))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}
