// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the seams a hosted deployment of this
// platform plugs into without forking core services: authentication,
// authorization, audit logging, and message filtering. Every interface has
// a no-op default so the open-source build runs standalone, offline, with
// zero external dependencies.
//
//   - auth.go: AuthProvider, AuthzProvider
//   - audit.go: AuditLogger
//   - filter.go: MessageFilter
//
// A studio running this as a shared service composes its own
// implementations into a ServiceOptions and passes that into the service
// constructors that accept it:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider:  studio.NewSSOProvider(config),
//	    AuditLogger:   studio.NewEventPipelineLogger(config),
//	    MessageFilter: studio.NewModerationFilter(policy),
//	}
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points a service constructor
// accepts. Unset fields should be treated as their no-op default by the
// caller (see DefaultOptions).
type ServiceOptions struct {
	AuthProvider  AuthProvider
	AuthzProvider AuthzProvider
	AuditLogger   AuditLogger
	MessageFilter MessageFilter
}

// DefaultOptions returns ServiceOptions wired to no-op implementations:
// every caller authenticates as a local admin, nothing is audited, and no
// message is filtered. This is what the CLI and single-operator
// deployments use.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}
