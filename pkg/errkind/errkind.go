// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package errkind defines the closed set of error kinds shared across every
// component, and the single HTTP status mapping used wherever a component
// answers requests directly (the Character Store, the Model Runtime's HTTP
// facade, and the Gateway).
package errkind

import (
	"errors"
	"net/http"
)

// Kind is one of a fixed set of abstract error categories. Every sentinel
// below is wrapped via fmt.Errorf("...: %w", err) at the point of failure so
// callers can recover the kind with errors.Is.
type Kind string

const (
	NotFound          Kind = "not_found"
	ValidationFailed  Kind = "validation_failed"
	Unauthenticated   Kind = "unauthenticated"
	Unauthorized      Kind = "unauthorized"
	RateLimited       Kind = "rate_limited"
	QueueFull         Kind = "queue_full"
	Timeout           Kind = "timeout"
	InvalidTransition Kind = "invalid_transition"
	LoadFailed        Kind = "load_failed"
	GenerationFailed  Kind = "generation_failed"
	ServiceUnavailable Kind = "service_unavailable"
	StorageError      Kind = "storage_error"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"
)

var (
	ErrNotFound           = errors.New(string(NotFound))
	ErrValidationFailed   = errors.New(string(ValidationFailed))
	ErrUnauthenticated    = errors.New(string(Unauthenticated))
	ErrUnauthorized       = errors.New(string(Unauthorized))
	ErrRateLimited        = errors.New(string(RateLimited))
	ErrQueueFull          = errors.New(string(QueueFull))
	ErrTimeout            = errors.New(string(Timeout))
	ErrInvalidTransition  = errors.New(string(InvalidTransition))
	ErrLoadFailed         = errors.New(string(LoadFailed))
	ErrGenerationFailed   = errors.New(string(GenerationFailed))
	ErrServiceUnavailable = errors.New(string(ServiceUnavailable))
	ErrStorageError       = errors.New(string(StorageError))
	ErrCancelled          = errors.New(string(Cancelled))
	ErrInternal           = errors.New(string(Internal))
)

var sentinels = map[Kind]error{
	NotFound:           ErrNotFound,
	ValidationFailed:   ErrValidationFailed,
	Unauthenticated:    ErrUnauthenticated,
	Unauthorized:       ErrUnauthorized,
	RateLimited:        ErrRateLimited,
	QueueFull:          ErrQueueFull,
	Timeout:            ErrTimeout,
	InvalidTransition:  ErrInvalidTransition,
	LoadFailed:         ErrLoadFailed,
	GenerationFailed:   ErrGenerationFailed,
	ServiceUnavailable: ErrServiceUnavailable,
	StorageError:       ErrStorageError,
	Cancelled:          ErrCancelled,
	Internal:           ErrInternal,
}

// Of returns the sentinel error for a kind, for use with fmt.Errorf's %w.
func Of(k Kind) error {
	if err, ok := sentinels[k]; ok {
		return err
	}
	return ErrInternal
}

// HTTPStatus maps an error (via errors.Is against the package sentinels) to
// the HTTP status the Gateway and any directly-serving component must answer
// with. Unrecognized errors map to 500, never leaking details to the client.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrLoadFailed), errors.Is(err, ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrStorageError):
		return http.StatusInternalServerError
	case errors.Is(err, ErrCancelled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Response is the structured body every user-visible failure takes; never a
// free-form stack trace.
type Response struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func ResponseFor(err error) Response {
	for k, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return Response{Error: string(k), Message: err.Error()}
		}
	}
	return Response{Error: string(Internal), Message: "internal error"}
}
