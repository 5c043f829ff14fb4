package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/orb5m-backtester/internal/webhook"
)

func TestDispatcherSignsBodyWithConfiguredSecret(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-OBS-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := webhook.NewDispatcher(srv.URL, "s3cr3t", zap.NewNop())
	err := d.Send(context.Background(), webhook.Event{
		JobID:      "job-1",
		Type:       "blocked",
		StrategyID: "orb5m",
		Symbol:     "EURUSD",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotSig == "" {
		t.Fatal("expected a signature header to be set")
	}
	if !webhook.VerifySignature(gotBody, gotSig, "s3cr3t") {
		t.Error("signature did not verify against the body that was sent")
	}
	if webhook.VerifySignature(gotBody, gotSig, "wrong-secret") {
		t.Error("signature should not verify against the wrong secret")
	}
}

func TestDispatcherRetriesOnFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := webhook.NewDispatcher(srv.URL, "", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Send(ctx, webhook.Event{JobID: "job-2", Type: "applied"}); err != nil {
		t.Fatalf("expected eventual success, got: %v", err)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}
