package cloudevent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewSetsSpecFields(t *testing.T) {
	event := New("jobs.job.completed", "jobsengine", "job-1", "evt-1", map[string]any{"status": "succeeded"})

	if event.SpecVersion != "1.0" {
		t.Errorf("specversion = %q, want 1.0", event.SpecVersion)
	}
	if event.DataContentType != "application/json" {
		t.Errorf("datacontenttype = %q, want application/json", event.DataContentType)
	}
	if event.Time.IsZero() {
		t.Error("time must be set")
	}
	if event.Subject != "job-1" {
		t.Errorf("subject = %q, want job-1", event.Subject)
	}
}

func TestSendHeadersAndBody(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewSender(5 * time.Second)
	event := New("jobs.job.started", "jobsengine", "job-1", "evt-1", map[string]any{"kind": "deployment"})

	if err := s.Send(context.Background(), server.URL, event, ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ceType := gotHeaders.Get("Ce-Type"); ceType != "jobs.job.started" {
		t.Errorf("Ce-Type = %q", ceType)
	}
	if gotHeaders.Get("X-Signature-256") != "" {
		t.Error("unsigned send must not carry a signature")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.ID != "evt-1" {
		t.Errorf("id = %q, want evt-1", decoded.ID)
	}
}

func TestSendSignsPayload(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewSender(5 * time.Second)
	event := New("jobs.job.completed", "jobsengine", "job-1", "evt-1", nil)

	if err := s.Send(context.Background(), server.URL, event, "secret-key"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Errorf("signature = %q, want %q", gotSignature, want)
	}
}

func TestSendStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantErr    bool
		wantClient bool
	}{
		{"200 ok", http.StatusOK, false, false},
		{"202 accepted", http.StatusAccepted, false, false},
		{"400 is a client error", http.StatusBadRequest, true, true},
		{"404 is a client error", http.StatusNotFound, true, true},
		{"500 is not a client error", http.StatusInternalServerError, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			s := NewSender(5 * time.Second)
			err := s.Send(context.Background(), server.URL, New("t", "s", "sub", "id", nil), "")

			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := IsClientError(err); got != tt.wantClient {
				t.Errorf("IsClientError = %v, want %v", got, tt.wantClient)
			}
		})
	}
}

func TestSign(t *testing.T) {
	sig := Sign([]byte("payload"), "key")
	if len(sig) != len("sha256=")+64 {
		t.Errorf("unexpected signature length: %d", len(sig))
	}
	if sig[:7] != "sha256=" {
		t.Errorf("signature missing prefix: %s", sig)
	}
	if sig != Sign([]byte("payload"), "key") {
		t.Error("signing must be deterministic")
	}
	if sig == Sign([]byte("payload"), "other") {
		t.Error("different keys must produce different signatures")
	}
}
