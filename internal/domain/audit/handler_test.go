package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/claims/ingest/internal/domain/claims"
	"github.com/claims/ingest/internal/platform/ingesterr"
)

func newTestHandler(t *testing.T) (*Handler, *Service, *echo.Echo) {
	t.Helper()
	svc, _ := newTestService()
	return NewHandler(svc), svc, echo.New()
}

func TestHandler_ListAudits(t *testing.T) {
	h, svc, e := newTestHandler(t)
	ctx := context.Background()
	svc.Start(ctx, "ok.xml", "mem", 1)
	b, _ := svc.Start(ctx, "bad.xml", "mem", 1)
	_ = svc.Fail(ctx, b, claims.Counts{}, &ingesterr.ParseError{Msg: "bad"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/audits?status=failed", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListAudits(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Data  []FileAudit `json:"data"`
		Total int         `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].FileID != "bad.xml" {
		t.Errorf("expected only the failed audit, got %+v", body)
	}
}

func TestHandler_ListAudits_BadStatus(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/audits?status=nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ListAudits(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetAudit(t *testing.T) {
	h, svc, e := newTestHandler(t)
	a, _ := svc.Start(context.Background(), "f1.xml", "disk", 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := h.GetAudit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got FileAudit
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.RunID != a.RunID || got.Mode != "disk" {
		t.Errorf("unexpected audit: %+v", got)
	}
}

func TestHandler_GetAudit_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("42")

	err := h.GetAudit(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetAudit_BadID(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("abc")

	err := h.GetAudit(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListErrors(t *testing.T) {
	h, svc, e := newTestHandler(t)
	a, _ := svc.Start(context.Background(), "f1.xml", "mem", 1)
	_ = svc.Fail(context.Background(), a, claims.Counts{}, &ingesterr.ParseError{Code: ingesterr.CodeMissingHeader, Msg: "no sender"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := h.ListErrors(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []IngestionError `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 1 || body.Data[0].ErrorCode != ingesterr.CodeMissingHeader || body.Data[0].Stage != "PARSE" {
		t.Errorf("unexpected errors: %+v", body.Data)
	}
}
