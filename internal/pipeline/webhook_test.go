package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"schedq/internal/dispatch"
	"schedq/internal/queue"
	logx "schedq/pkg/logx"
)

func TestRegisterAndPost(t *testing.T) {
	t.Parallel()

	var gotAuth atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBody.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{
		Targets: map[string]string{TargetProcessEmail: srv.URL + "/webhook/email"},
		Token:   "sekrit",
	}, logx.Nop())

	reg := dispatch.NewRegistry()
	if err := c.Register(reg); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	h, ok := reg.Lookup(TargetProcessEmail)
	if !ok {
		t.Fatal("target not registered")
	}
	err := h.Handle(context.Background(), map[string]any{
		"maxResults": 20,
		"filter":     "isRead eq false",
	})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if auth, _ := gotAuth.Load().(string); auth != "Bearer sekrit" {
		t.Fatalf("Authorization = %q", auth)
	}
	body, _ := gotBody.Load().(map[string]any)
	if body["filter"] != "isRead eq false" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{name: "200 ok", status: http.StatusOK},
		{name: "202 accepted", status: http.StatusAccepted},
		{name: "429 retryable", status: http.StatusTooManyRequests, wantErr: true},
		{name: "500 retryable", status: http.StatusInternalServerError, wantErr: true},
		{name: "503 retryable", status: http.StatusServiceUnavailable, wantErr: true},
		{name: "400 permanent", status: http.StatusBadRequest, wantErr: true, permanent: true},
		{name: "401 permanent", status: http.StatusUnauthorized, wantErr: true, permanent: true},
		{name: "404 permanent", status: http.StatusNotFound, wantErr: true, permanent: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(Config{
				Targets: map[string]string{TargetProcessSlack: srv.URL},
			}, logx.Nop())
			err := c.post(context.Background(), TargetProcessSlack, srv.URL, nil)

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("post error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if got := queue.IsNoRetry(err); got != tt.permanent {
				t.Fatalf("IsNoRetry = %v, want %v (err %v)", got, tt.permanent, err)
			}
		})
	}
}

func TestConnectionFailureIsRetryable(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{}, logx.Nop())
	err := c.post(context.Background(), TargetDailySummary, "http://127.0.0.1:1/unreachable", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if queue.IsNoRetry(err) {
		t.Fatalf("connection failure classified permanent: %v", err)
	}
}

func TestRegisterSkipsEmptyURL(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{
		Targets: map[string]string{"broken": ""},
	}, logx.Nop())
	reg := dispatch.NewRegistry()
	if err := c.Register(reg); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, ok := reg.Lookup("broken"); ok {
		t.Fatal("empty-url target registered")
	}
}
