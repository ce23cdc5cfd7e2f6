package webhook

import (
	"context"
	"sync"
)

type FakeService struct {
	mu       sync.Mutex
	payloads []interface{}
	Err      error
}

// NewFake records payloads instead of posting them.
func NewFake() *FakeService {
	return &FakeService{}
}

func (svc *FakeService) Post(_ context.Context, payload interface{}) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.Err != nil {
		return svc.Err
	}
	svc.payloads = append(svc.payloads, payload)
	return nil
}

func (svc *FakeService) Payloads() []interface{} {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]interface{}{}, svc.payloads...)
}
