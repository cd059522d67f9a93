// Package secrets resolves connection strings and provider keys from AWS
// Secrets Manager, with a short-lived cache in front of it.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/benbjohnson/clock"
)

const DefaultCacheTTL = 5 * time.Minute

// SecretStore is what startup wiring resolves connection strings and
// provider keys through.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretJSON(ctx context.Context, name string, v any) error
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Manager reads from AWS Secrets Manager and caches values for a TTL, so
// several components resolving the same secret cost one API call.
type Manager struct {
	client secretsManagerAPI
	clock  clock.Clock
	ttl    time.Duration

	mu     sync.Mutex
	values map[string]cachedSecret
}

type cachedSecret struct {
	value   string
	fetched time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func NewManager(ctx context.Context, region string, opts ...Option) (*Manager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newManager(secretsmanager.NewFromConfig(cfg), opts...), nil
}

func newManager(client secretsManagerAPI, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		clock:  clock.New(),
		ttl:    DefaultCacheTTL,
		values: make(map[string]cachedSecret),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) GetSecret(ctx context.Context, name string) (string, error) {
	now := m.clock.Now()
	m.mu.Lock()
	c, ok := m.values[name]
	m.mu.Unlock()
	if ok && now.Sub(c.fetched) < m.ttl {
		return c.value, nil
	}

	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}

	m.mu.Lock()
	m.values[name] = cachedSecret{value: *out.SecretString, fetched: now}
	m.mu.Unlock()
	return *out.SecretString, nil
}

func (m *Manager) GetSecretJSON(ctx context.Context, name string, v any) error {
	raw, err := m.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}

// Invalidate drops name from the cache, for example after a rotation.
func (m *Manager) Invalidate(name string) {
	m.mu.Lock()
	delete(m.values, name)
	m.mu.Unlock()
}

// Resolve returns the secret as a plain string. Secrets stored as JSON
// objects are searched for key ("url", for example); a plain string secret
// is returned as is.
func Resolve(ctx context.Context, store SecretStore, name, key string) (string, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	v, ok := fields[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s: no %q field", name, key)
	}
	return v, nil
}

// InMemorySecretStore serves fixed values, for tests and local runs.
type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return v, nil
}

func (s *InMemorySecretStore) GetSecretJSON(ctx context.Context, name string, v any) error {
	raw, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	s.secrets[name] = value
	s.mu.Unlock()
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	delete(s.secrets, name)
	s.mu.Unlock()
}
