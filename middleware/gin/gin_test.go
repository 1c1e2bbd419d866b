package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	"github.com/crmforge/metering/pkg/metering"
	"github.com/crmforge/metering/storage/memory"
)

func newTestManager(t *testing.T) *metering.Manager {
	t.Helper()

	store := memory.New()
	directory := metering.StaticDirectory{"company-1": "tenant-1"}
	mgr, err := metering.NewManager(store, directory, metering.Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	err = mgr.ConfigureResourceLimits(context.Background(), "company-1", []metering.ResourceLimit{
		{
			Resource:    metering.ResourceAPICalls,
			Limit:       2,
			Unit:        metering.UnitMonthly,
			ResetPolicy: metering.ResetRolling,
		},
	})
	if err != nil {
		t.Fatalf("ConfigureResourceLimits failed: %v", err)
	}
	return mgr
}

func newTestRouter(t *testing.T, overrides func(*Config)) *gongin.Engine {
	t.Helper()
	gongin.SetMode(gongin.TestMode)

	cfg := Config{
		Manager:      newTestManager(t),
		GetCompanyID: FromHeader("X-Company-ID"),
		GetResource:  FixedResource(metering.ResourceAPICalls),
		GetAmount:    FixedAmount(1),
	}
	if overrides != nil {
		overrides(&cfg)
	}

	router := gongin.New()
	router.Use(Middleware(cfg))
	router.GET("/api/things", func(c *gongin.Context) {
		c.JSON(http.StatusOK, gongin.H{"status": "ok"})
	})
	return router
}

func doRequest(router *gongin.Engine, companyID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	if companyID != "" {
		req.Header.Set("X-Company-ID", companyID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AdmitsWithinLimit(t *testing.T) {
	router := newTestRouter(t, nil)

	for i := 0; i < 2; i++ {
		rec := doRequest(router, "company-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	router := newTestRouter(t, nil)

	for i := 0; i < 2; i++ {
		doRequest(router, "company-1")
	}

	rec := doRequest(router, "company-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response body: %v", err)
	}
	if body["error"] != "usage limit exceeded" {
		t.Errorf("Unexpected error message: %v", body["error"])
	}
	if body["currentValue"] != float64(2) || body["maxValue"] != float64(2) {
		t.Errorf("Expected usage 2/2 in body, got %v", body)
	}
}

func TestMiddleware_MissingCompanyUnauthorized(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(router, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_UnknownCompanyForbidden(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(router, "company-unknown")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_CustomRejectedStatusCode(t *testing.T) {
	router := newTestRouter(t, func(cfg *Config) {
		cfg.RejectedStatusCode = http.StatusPaymentRequired
	})

	for i := 0; i < 2; i++ {
		doRequest(router, "company-1")
	}

	rec := doRequest(router, "company-1")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsWithoutManager(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic for missing manager")
		}
	}()
	Middleware(Config{})
}

func TestFromContextKey(t *testing.T) {
	gongin.SetMode(gongin.TestMode)

	router := gongin.New()
	router.Use(func(c *gongin.Context) {
		c.Set("companyID", "company-1")
	})

	cfg := Config{
		Manager:      newTestManager(t),
		GetCompanyID: FromContextKey("companyID"),
		GetResource:  FixedResource(metering.ResourceAPICalls),
		GetAmount:    FixedAmount(1),
	}
	router.Use(Middleware(cfg))
	router.GET("/api/things", func(c *gongin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 via context extractor, got %d", rec.Code)
	}
}
