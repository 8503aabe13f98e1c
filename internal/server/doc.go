// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes conversation sessions over a JSON HTTP API.
//
// Every client session maps to one server-side session.Session with its
// own history, so clearing or deleting one never touches another.
//
// Endpoints:
//   - GET    /health                       - Liveness and session count
//   - GET    /api/models                   - Installed models
//   - POST   /api/sessions                 - Create a session
//   - GET    /api/sessions/{id}            - Session info and history
//   - POST   /api/sessions/{id}/messages   - Run one turn
//   - DELETE /api/sessions/{id}/history    - Clear one session's history
//   - DELETE /api/sessions/{id}            - Remove a session
//   - GET    /metrics                      - Prometheus exposition
//
// Failures are JSON: {"error":{"kind":"NetworkError","detail":"..."}}.
package server
