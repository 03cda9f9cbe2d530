package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestHealthController(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantState  string
	}{
		{"no checks", nil, fiber.StatusOK, "ok"},
		{
			name:       "all pass",
			checks:     []HealthCheck{{Name: "database", Probe: func(context.Context) error { return nil }}},
			wantStatus: fiber.StatusOK,
			wantState:  "ok",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				{Name: "database", Probe: func(context.Context) error { return nil }},
				{Name: "cache", Probe: func(context.Context) error { return errors.New("dial tcp: refused") }},
			},
			wantStatus: fiber.StatusServiceUnavailable,
			wantState:  "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/healthz", NewHealthController(tt.checks...).HandleHealth)

			status, out := do(t, app, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantState, out["status"])
			checks, ok := out["checks"].(map[string]interface{})
			assert.True(t, ok)
			assert.Len(t, checks, len(tt.checks))
		})
	}
}
