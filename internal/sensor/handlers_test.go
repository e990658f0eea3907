package sensor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func passAuth(c *fiber.Ctx) error { return c.Next() }

func TestReadingHandler(t *testing.T) {
	counter := NewCounter()
	app := fiber.New()
	RegisterRoutes(app.Group("/sensor"), counter, passAuth)

	post := func(body string) (*http.Response, error) {
		req := httptest.NewRequest(http.MethodPost, "/sensor/reading", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		return app.Test(req)
	}

	resp, err := post(`{"reading":100}`)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("first reading: %v %d", err, resp.StatusCode)
	}

	resp, err = post(`{"reading":250}`)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("second reading: %v", err)
	}
	var out map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["delta"] != 150 {
		t.Fatalf("expected delta 150, got %d", out["delta"])
	}
	if out["increment"] != 150 {
		t.Fatalf("expected increment 150, got %d", out["increment"])
	}

	resp, _ = post(`{"reading":-5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative reading should 400, got %d", resp.StatusCode)
	}

	resp, _ = post(`not-json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body should 400, got %d", resp.StatusCode)
	}
}
