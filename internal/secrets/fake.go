package secrets

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Store for tests.
type Fake struct {
	mu      sync.Mutex
	Secrets map[string]map[string]string
	Err     error
}

var _ Store = (*Fake)(nil)

// NewFake returns an empty fake secret store.
func NewFake() *Fake {
	return &Fake{Secrets: map[string]map[string]string{}}
}

func (f *Fake) PutSecret(ctx context.Context, path string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	copied := make(map[string]string, len(data))
	for key, value := range data {
		copied[key] = value
	}
	f.Secrets[path] = copied
	return nil
}

func (f *Fake) GetSecret(ctx context.Context, path string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	data, ok := f.Secrets[path]
	if !ok {
		return nil, fmt.Errorf("no secret at %q", path)
	}
	return data, nil
}

func (f *Fake) DeleteSecret(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.Secrets, path)
	return nil
}
