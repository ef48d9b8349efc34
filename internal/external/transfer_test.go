package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTransferService(t *testing.T, f *apiFixture) *TransferService {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewTransferService(NewClient(srv.URL, "", zerolog.Nop()))
}

func TestRequestTransferANI(t *testing.T) {
	f := newAPIFixture()
	f.responses["/phone_transfer"] = map[string]any{"ani": "+15559990000"}
	svc := newTransferService(t, f)

	ani, err := svc.RequestTransferANI(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("RequestTransferANI failed: %v", err)
	}
	if ani != "+15559990000" {
		t.Errorf("unexpected ani %s", ani)
	}

	req := f.last()
	if req.query["caller"] != "15551234567" {
		t.Errorf("leading + should be stripped, got %s", req.query["caller"])
	}
}

func TestResolveContactTransfer(t *testing.T) {
	f := newAPIFixture()
	svc := newTransferService(t, f)

	if err := svc.ResolveContactTransfer(context.Background(), "c-1", "+15559990000"); err != nil {
		t.Fatalf("ResolveContactTransfer failed: %v", err)
	}

	req := f.last()
	if req.method != http.MethodPost || req.path != "/phone_transfer/c-1/resolve" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	if req.body["ani"] != "+15559990000" {
		t.Errorf("unexpected body: %+v", req.body)
	}
}
