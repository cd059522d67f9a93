package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/provider"
)

var gpt = domain.Candidate{ModelID: "gpt-4o-mini", Provider: "openai", CircuitID: "openai:gpt-4o-mini"}

func TestSendCompletion(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/v1/chat/completions" {
			t.Errorf("r.URL.Path = %v, want %v", got, "/v1/chat/completions")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("r.Header.Get(\"Authorization\") = %v, want %v", got, "Bearer sk-test")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("NewDecoder() error = %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "pong"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 1}
		}`))
	}))
	defer srv.Close()

	p := New("", "sk-test", srv.URL+"/v1/", nil)
	resp, err := p.SendCompletion(context.Background(), gpt, domain.CompletionRequest{
		System:    "terse",
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 16,
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := resp.Content; got != "pong" {
		t.Errorf("resp.Content = %v, want %v", got, "pong")
	}
	if got := resp.ID; got != "chatcmpl-1" {
		t.Errorf("resp.ID = %v, want %v", got, "chatcmpl-1")
	}
	if got := resp.Usage; !reflect.DeepEqual(got, domain.Usage{InputTokens: 9, OutputTokens: 1}) {
		t.Errorf("resp.Usage = %v, want %v", got, domain.Usage{InputTokens: 9, OutputTokens: 1})
	}
	if got := resp.Provider; got != "openai" {
		t.Errorf("resp.Provider = %v, want %v", got, "openai")
	}

	if got := got.Model; got != "gpt-4o-mini" {
		t.Errorf("got.Model = %v, want %v", got, "gpt-4o-mini")
	}
	if got := got.MaxTokens; got != 16 {
		t.Errorf("got.MaxTokens = %v, want %v", got, 16)
	}
	if got := len(got.Messages); got != 2 {
		t.Fatalf("len(got.Messages) = %d, want %d", got, 2)
	}
	if got := got.Messages[0]; !reflect.DeepEqual(got, chatMessage{Role: "system", Content: "terse"}) {
		t.Errorf("got.Messages[0] = %v, want %v", got, chatMessage{Role: "system", Content: "terse"})
	}
}

func TestSendCompletion_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		retryable bool
	}{
		{http.StatusBadRequest, provider.ErrInvalidRequest, false},
		{http.StatusUnauthorized, provider.ErrAuthFailed, false},
		{http.StatusForbidden, provider.ErrAuthFailed, false},
		{http.StatusTooManyRequests, domain.ErrProviderError, true},
		{http.StatusBadGateway, domain.ErrProviderError, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			_, err := New("", "", srv.URL, nil).SendCompletion(context.Background(), gpt, domain.CompletionRequest{}, time.Second)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if got := provider.Retryable(err); got != tt.retryable {
				t.Errorf("provider.Retryable(err) = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestSendCompletion_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New("", "", srv.URL, nil).SendCompletion(context.Background(), gpt, domain.CompletionRequest{}, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want %v", err, context.DeadlineExceeded)
	}
	if !errors.Is(err, domain.ErrProviderError) {
		t.Errorf("error = %v, want %v", err, domain.ErrProviderError)
	}
}

func TestCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/models" {
			t.Errorf("r.URL.Path = %v, want %v", got, "/models")
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer healthy.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if got := New("", "", healthy.URL, nil).CheckHealth(context.Background()); got != provider.HealthHealthy {
		t.Errorf("New() = %v, want %v", got, provider.HealthHealthy)
	}
	if got := New("", "", down.URL, nil).CheckHealth(context.Background()); got != provider.HealthUnhealthy {
		t.Errorf("New(\"\", \"\", down.URL, nil).CheckHealth(context.Background()) = %v, want %v", got, provider.HealthUnhealthy)
	}
}

func TestFactory(t *testing.T) {
	a, err := Factory(context.Background(), provider.Settings{Name: "local-ollama", Type: Type, BaseURL: "http://localhost:11434/v1", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := a.(*Provider)
	if got := p.Name(); got != "local-ollama" {
		t.Errorf("p.Name() = %v, want %v", got, "local-ollama")
	}
	if got := p.baseURL; got != "http://localhost:11434/v1" {
		t.Errorf("p.baseURL = %v, want %v", got, "http://localhost:11434/v1")
	}
	if got := p.client.Timeout; got != 5*time.Second {
		t.Errorf("p.client.Timeout = %v, want %v", got, 5*time.Second)
	}
}
