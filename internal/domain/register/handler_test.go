package register

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func witnessJSON(id uuid.UUID) string {
	raw, _ := json.Marshal(testWitness(id))
	return string(raw)
}

func registerBody() string {
	return `{
		"medication_id":"` + uuid.New().String() + `",
		"medication_name":"Morphine Sulphate 10mg",
		"schedule":"II",
		"batch_number":"BATCH-001",
		"expiry_date":"` + time.Now().AddDate(1, 0, 0).Format(time.RFC3339) + `",
		"received_date":"` + time.Now().Add(-time.Hour).Format(time.RFC3339) + `",
		"received_quantity":100,
		"supplier_name":"PharmaSupply Ltd",
		"supplier_license":"HD-12345",
		"storage_location":"CD cabinet A",
		"primary_witness":` + witnessJSON(uuid.New()) + `,
		"secondary_witness":` + witnessJSON(uuid.New()) + `
	}`
}

func TestHandler_Register(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(registerBody()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Register(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var entry RegisterEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if entry.CurrentStock != 100 {
		t.Errorf("expected stock 100, got %d", entry.CurrentStock)
	}
}

func TestHandler_Register_DuplicateWitnessIs409(t *testing.T) {
	h, _, e := newTestHandler()
	shared := uuid.New()
	body := `{
		"medication_id":"` + uuid.New().String() + `",
		"medication_name":"Morphine","schedule":"II","batch_number":"B-1",
		"expiry_date":"` + time.Now().AddDate(1, 0, 0).Format(time.RFC3339) + `",
		"received_quantity":10,
		"primary_witness":` + witnessJSON(shared) + `,
		"secondary_witness":` + witnessJSON(shared) + `
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Register(c)
	assertHTTPStatus(t, err, http.StatusConflict)
	assertHTTPCode(t, err, CodeDuplicateWitness)
}

func TestHandler_Register_BadScheduleIs400(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{
		"medication_id":"` + uuid.New().String() + `",
		"medication_name":"Paracetamol","schedule":"X","batch_number":"B-1",
		"expiry_date":"` + time.Now().AddDate(1, 0, 0).Format(time.RFC3339) + `",
		"received_quantity":10,
		"primary_witness":` + witnessJSON(uuid.New()) + `,
		"secondary_witness":` + witnessJSON(uuid.New()) + `
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Register(c)
	assertHTTPStatus(t, err, http.StatusBadRequest)
	assertHTTPCode(t, err, CodeNotControlledSubstance)
}

func TestHandler_Administer(t *testing.T) {
	h, env, e := newTestHandler()
	entry := env.register(t, ScheduleII, 100)
	prescription := env.prescriptionFor(entry)

	body := `{
		"resident_id":"` + uuid.New().String() + `",
		"prescription_id":"` + prescription.String() + `",
		"quantity":30,
		"primary_witness":` + witnessJSON(uuid.New()) + `,
		"secondary_witness":` + witnessJSON(uuid.New()) + `
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.Administer(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var tx Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if tx.BalanceAfter != 70 {
		t.Errorf("expected balance_after 70, got %d", tx.BalanceAfter)
	}
}

func TestHandler_Administer_InsufficientStockIs409(t *testing.T) {
	h, env, e := newTestHandler()
	entry := env.register(t, ScheduleII, 10)
	prescription := env.prescriptionFor(entry)

	body := `{
		"resident_id":"` + uuid.New().String() + `",
		"prescription_id":"` + prescription.String() + `",
		"quantity":50,
		"primary_witness":` + witnessJSON(uuid.New()) + `,
		"secondary_witness":` + witnessJSON(uuid.New()) + `
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	err := h.Administer(c)
	assertHTTPStatus(t, err, http.StatusConflict)
	assertHTTPCode(t, err, CodeInsufficientStock)
}

func TestHandler_Administer_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.Administer(c)
	assertHTTPStatus(t, err, http.StatusBadRequest)
}

func TestHandler_Reconcile(t *testing.T) {
	h, env, e := newTestHandler()
	entry := env.register(t, ScheduleII, 60)

	body := `{
		"actual_stock":55,
		"reconciled_by":"` + uuid.New().String() + `",
		"witnessed_by":"` + uuid.New().String() + `"
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.Reconcile(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var result ReconciliationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if result.Status != ReconciliationDiscrepancy {
		t.Errorf("expected DISCREPANCY, got %s", result.Status)
	}
	if result.Variance != -5 {
		t.Errorf("expected variance -5, got %d", result.Variance)
	}
}

func TestHandler_Destroy(t *testing.T) {
	h, env, e := newTestHandler()
	entry := env.register(t, ScheduleII, 60)

	body := `{
		"quantity":10,
		"reason":"expired",
		"method":"denaturing kit",
		"location":"clinical waste room",
		"supervisor_id":"` + uuid.New().String() + `",
		"primary_witness":` + witnessJSON(uuid.New()) + `,
		"secondary_witness":` + witnessJSON(uuid.New()) + `
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.Destroy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_GetEntry_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetEntry(c)
	assertHTTPStatus(t, err, http.StatusNotFound)
}

func TestHandler_ListEntries(t *testing.T) {
	h, env, e := newTestHandler()
	env.register(t, ScheduleII, 100)
	env.register(t, ScheduleIV, 50)

	req := httptest.NewRequest(http.MethodGet, "/?schedule=II", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListEntries(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data  []RegisterEntry `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 schedule II entry, got %d", resp.Total)
	}
}

func TestHandler_ListTransactions(t *testing.T) {
	h, env, e := newTestHandler()
	entry := env.register(t, ScheduleII, 100)
	if _, err := env.administer(entry, 30); err != nil {
		t.Fatalf("administer failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.ListTransactions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data  []Transaction `json:"data"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected 2 transactions, got %d", resp.Total)
	}
}

func TestHandler_Stats(t *testing.T) {
	h, env, e := newTestHandler()
	env.register(t, ScheduleII, 100)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Stats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_DeactivateReactivate(t *testing.T) {
	h, env, e := newTestHandler()
	entry := env.register(t, ScheduleII, 100)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.Deactivate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if env.repo.entry(entry.ID).IsActive {
		t.Error("expected entry deactivated")
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())
	if err := h.Reactivate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.repo.entry(entry.ID).IsActive {
		t.Error("expected entry reactivated")
	}
}

func TestListFilterFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet,
		"/?schedule=II&low_stock=true&expiring_within_days=30&open_discrepancy=false&include_inactive=true", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	f := listFilterFromContext(c)
	if f.Schedule != "II" {
		t.Errorf("expected schedule II, got %s", f.Schedule)
	}
	if !f.LowStock {
		t.Error("expected low_stock")
	}
	if f.ExpiringWithinDays != 30 {
		t.Errorf("expected 30, got %d", f.ExpiringWithinDays)
	}
	if f.OpenDiscrepancy == nil || *f.OpenDiscrepancy {
		t.Error("expected open_discrepancy=false filter")
	}
	if !f.IncludeInactive {
		t.Error("expected include_inactive")
	}
}

// -- helpers --

func assertHTTPStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP error with status %d, got nil", status)
	}
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	if he.Code != status {
		t.Fatalf("expected status %d, got %d (%v)", status, he.Code, he.Message)
	}
}

func assertHTTPCode(t *testing.T, err error, code string) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	body, ok := he.Message.(echo.Map)
	if !ok {
		t.Fatalf("expected echo.Map body, got %T", he.Message)
	}
	if body["code"] != code {
		t.Fatalf("expected code %s, got %v", code, body["code"])
	}
}
