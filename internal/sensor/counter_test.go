package sensor

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestCounterAccrues(t *testing.T) {
	c := NewCounter()

	if d := c.Record(1000); d != 0 {
		t.Fatalf("first reading should anchor, got delta %d", d)
	}
	if d := c.Record(1100); d != 100 {
		t.Fatalf("unexpected delta: %d", d)
	}
	if d := c.Record(1250); d != 150 {
		t.Fatalf("unexpected delta: %d", d)
	}
	if c.Increment() != 250 {
		t.Fatalf("unexpected increment: %d", c.Increment())
	}
	if c.Cumulative() != 250 {
		t.Fatalf("unexpected cumulative: %d", c.Cumulative())
	}
}

func TestCounterDeviceReset(t *testing.T) {
	c := NewCounter()
	c.Record(5000)
	c.Record(5200)

	// Reading drops below the last one: device counter restarted.
	if d := c.Record(30); d != 30 {
		t.Fatalf("reset delta should equal new absolute, got %d", d)
	}
	if c.Increment() != 230 {
		t.Fatalf("unexpected increment after reset: %d", c.Increment())
	}
}

func TestCounterSessionReset(t *testing.T) {
	c := NewCounter()
	c.Record(0)
	c.Record(400)

	c.Reset()
	if c.Increment() != 0 {
		t.Fatalf("expected zero increment after reset")
	}
	if c.Cumulative() != 400 {
		t.Fatalf("cumulative should survive reset: %d", c.Cumulative())
	}

	c.Record(450)
	if c.Increment() != 50 {
		t.Fatalf("unexpected increment: %d", c.Increment())
	}
}

func TestCounterNegativeReading(t *testing.T) {
	c := NewCounter()
	c.Record(100)
	if d := c.Record(-5); d != 0 {
		t.Fatalf("negative reading should be ignored, got %d", d)
	}
}

func TestReadingHandlerStatusCodes(t *testing.T) {
	c := NewCounter()
	app := fiber.New()
	RegisterRoutes(app.Group("/sensor"), c, func(fc *fiber.Ctx) error { return fc.Next() })

	req := httptest.NewRequest(http.MethodPost, "/sensor/reading", bytes.NewReader([]byte(`{"reading": 500}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("reading status: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/sensor/reading", bytes.NewReader([]byte(`{"reading": -1}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for negative reading")
	}

	req = httptest.NewRequest(http.MethodPost, "/sensor/reading", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for malformed body")
	}
}
