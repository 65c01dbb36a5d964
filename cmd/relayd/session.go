// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/relay-foundation/relay/binding"
	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/relay"
)

// Session control subjects. Adapters publish route requests; the
// daemon answers by announcing sessions. An agent runtime registers an
// endpoint on the announcement subject to pick new sessions up, and
// publishes an end notice when a session's agent exits.
const (
	routeRequestSubject = "relay.route.request"
	sessionStartSubject = "relay.session.start"
	sessionEndSubject   = "relay.session.end"
)

// daemonIdentity is the sender on everything relayd itself publishes.
var daemonIdentity = envelope.Identity{ID: "relayd", Namespace: "system"}

// routeRequest asks the daemon to map an adapter conversation onto an
// agent session.
type routeRequest struct {
	AdapterID   string `json:"adapter_id"`
	ExternalKey string `json:"external_key,omitempty"`
}

// sessionStart announces a freshly launched session.
type sessionStart struct {
	SessionID   string `json:"session_id"`
	BindingID   string `json:"binding_id"`
	AdapterID   string `json:"adapter_id"`
	AgentID     string `json:"agent_id"`
	ProjectPath string `json:"project_path,omitempty"`
	ExternalKey string `json:"external_key,omitempty"`
}

// sessionEnd reports that a session's agent is gone and routing must
// stop handing its ID out.
type sessionEnd struct {
	SessionID string `json:"session_id"`
}

// busLauncher launches sessions by announcing them on the bus. The
// daemon has no agent runtime of its own; whichever process registered
// an endpoint matching the announcement subject picks the session up.
type busLauncher struct {
	core   *relay.Core
	logger *slog.Logger
}

func (l *busLauncher) Launch(ctx context.Context, b binding.Binding, externalKey string) (string, error) {
	sessionID := uuid.New().String()
	payload, err := json.Marshal(sessionStart{
		SessionID:   sessionID,
		BindingID:   b.ID,
		AdapterID:   b.AdapterID,
		AgentID:     b.AgentID,
		ProjectPath: b.ProjectPath,
		ExternalKey: externalKey,
	})
	if err != nil {
		return "", fmt.Errorf("encoding session announcement: %w", err)
	}

	receipt, err := l.core.Publish(ctx, relay.PublishRequest{
		Subject: sessionStartSubject,
		Payload: payload,
		Sender:  daemonIdentity,
	})
	if err != nil {
		return "", fmt.Errorf("announcing session: %w", err)
	}
	for _, warning := range receipt.Warnings {
		l.logger.Warn("session announcement",
			"session", sessionID,
			"endpoint", warning.Endpoint,
			"reason", warning.Reason,
		)
	}
	return sessionID, nil
}

// wireSessionControl gives the router a bus surface: durable endpoints
// for route requests and end notices, with in-process subscribers
// consuming both. Routing runs on its own goroutine so a launch, which
// publishes, never nests inside a dispatch.
func wireSessionControl(ctx context.Context, core *relay.Core, router *binding.Router, logger *slog.Logger) error {
	owner := relay.Owner{ID: daemonIdentity.ID, Namespace: daemonIdentity.Namespace}
	for _, pattern := range []string{routeRequestSubject, sessionEndSubject} {
		if _, err := core.RegisterEndpoint(pattern, owner); err != nil {
			return fmt.Errorf("registering control endpoint %q: %w", pattern, err)
		}
	}

	if _, err := core.Subscribe(routeRequestSubject, func(d relay.Delivery) error {
		var req routeRequest
		if err := json.Unmarshal(d.Envelope.Payload, &req); err != nil {
			return fmt.Errorf("decoding route request: %w", err)
		}
		if req.AdapterID == "" {
			return fmt.Errorf("route request without adapter_id")
		}
		go func() {
			sessionID, err := router.Route(ctx, req.AdapterID, req.ExternalKey)
			if err != nil {
				logger.Error("route request failed",
					"adapter", req.AdapterID,
					"error", err,
				)
				return
			}
			logger.Info("route request served",
				"adapter", req.AdapterID,
				"session", sessionID,
			)
		}()
		return nil
	}); err != nil {
		return err
	}

	if _, err := core.Subscribe(sessionEndSubject, func(d relay.Delivery) error {
		var end sessionEnd
		if err := json.Unmarshal(d.Envelope.Payload, &end); err != nil {
			return fmt.Errorf("decoding session end: %w", err)
		}
		if end.SessionID == "" {
			return fmt.Errorf("session end without session_id")
		}
		router.Invalidate(end.SessionID)
		logger.Info("session ended", "session", end.SessionID)
		return nil
	}); err != nil {
		return err
	}

	return nil
}
