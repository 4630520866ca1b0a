package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func doRequest(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestSuccess(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name"`
	}

	app := fiber.New()
	app.Get("/ok", func(c *fiber.Ctx) error {
		return Success(c, payload{Name: "acme"})
	})

	resp := doRequest(t, app, "/ok")
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var env struct {
		Success bool    `json:"success"`
		Data    payload `json:"data"`
	}
	decodeBody(t, resp, &env)

	if !env.Success {
		t.Error("success = false, want true")
	}
	if env.Data.Name != "acme" {
		t.Errorf("data.name = %q, want %q", env.Data.Name, "acme")
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/fail", func(c *fiber.Ctx) error {
		return Fail(c, CodeNotFound, "Project not found")
	})

	resp := doRequest(t, app, "/fail")
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	var env ErrorResponse
	decodeBody(t, resp, &env)

	if env.Code != CodeNotFound {
		t.Errorf("code = %q, want %q", env.Code, CodeNotFound)
	}
	if env.Message != "Project not found" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestFailDetails(t *testing.T) {
	t.Parallel()

	type fieldError struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}

	app := fiber.New()
	app.Get("/fail", func(c *fiber.Ctx) error {
		return FailDetails(c, CodeBadRequest, "Validation failed", []fieldError{
			{Path: "content.text", Message: "must not be empty"},
		})
	})

	resp := doRequest(t, app, "/fail")
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var env struct {
		Code    Code `json:"code"`
		Details []struct {
			Path    string `json:"path"`
			Message string `json:"message"`
		} `json:"details"`
	}
	decodeBody(t, resp, &env)

	if len(env.Details) != 1 || env.Details[0].Path != "content.text" {
		t.Errorf("details = %+v, want one entry for content.text", env.Details)
	}
}

func TestCodeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Code
		want int
	}{
		{CodeBadRequest, 400},
		{CodeUnauthorized, 401},
		{CodeForbidden, 403},
		{CodeNotFound, 404},
		{CodeConflict, 409},
		{CodeUnsupported, 422},
		{CodeRateLimited, 429},
		{CodeProviderError, 502},
		{CodeInternal, 500},
		{Code("bogus"), 500},
	}
	for _, tt := range tests {
		if got := tt.code.Status(); got != tt.want {
			t.Errorf("Status(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
