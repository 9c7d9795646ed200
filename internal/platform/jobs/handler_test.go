package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/middleware"
)

func jsonRequest(method, target, body string) (*httptest.ResponseRecorder, echo.Context) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return rec, echo.New().NewContext(req, rec)
}

func TestHandler_EnqueueBatchSync(t *testing.T) {
	q := newMemQueue()
	svc, _ := submitter(q, nil)
	h := NewHandler(svc)

	body := `{"patient_ids":["` + uuid.New().String() + `"],"priority":"high"}`
	rec, c := jsonRequest(http.MethodPost, "/jobs/batch-sync", body)
	middleware.SetPrincipal(c, operator())

	if err := h.EnqueueBatchSync(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var j Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatal(err)
	}
	if j.Priority != PriorityHigh || j.Status != StatusQueued || j.TotalItems != 1 {
		t.Errorf("job = %+v", j)
	}
}

func TestHandler_EnqueueBatchSync_BadPriority(t *testing.T) {
	q := newMemQueue()
	svc, _ := submitter(q, nil)
	h := NewHandler(svc)

	body := `{"patient_ids":["` + uuid.New().String() + `"],"priority":"urgent"}`
	_, c := jsonRequest(http.MethodPost, "/jobs/batch-sync", body)
	middleware.SetPrincipal(c, operator())

	err := h.EnqueueBatchSync(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
