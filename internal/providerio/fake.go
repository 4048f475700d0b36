package providerio

import (
	"context"
	"fmt"
	"sync"

	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/model"
)

// FakeAdapter is an in-memory WriteAdapter for tests. FailNext queues
// errors to return from the next N calls, letting a test exercise the
// writer's retry path deterministically.
type FakeAdapter struct {
	mu        sync.Mutex
	events    map[string]model.MirrorPayload
	failQueue []error
	calls     int
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{events: map[string]model.MirrorPayload{}}
}

func (f *FakeAdapter) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failQueue = append(f.failQueue, errs...)
}

func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeAdapter) nextErr() error {
	if len(f.failQueue) == 0 {
		return nil
	}
	err := f.failQueue[0]
	f.failQueue = f.failQueue[1:]
	return err
}

func (f *FakeAdapter) CreateEvent(ctx context.Context, accountID, calendarID string, payload model.MirrorPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.nextErr(); err != nil {
		return "", err
	}
	id := idgen.New("prov_")
	f.events[id] = payload
	return id, nil
}

func (f *FakeAdapter) UpdateEvent(ctx context.Context, accountID, calendarID, providerEventID string, payload model.MirrorPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.nextErr(); err != nil {
		return err
	}
	if _, ok := f.events[providerEventID]; !ok {
		return fmt.Errorf("update unknown event %s", providerEventID)
	}
	f.events[providerEventID] = payload
	return nil
}

func (f *FakeAdapter) DeleteEvent(ctx context.Context, accountID, calendarID, providerEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.nextErr(); err != nil {
		return err
	}
	delete(f.events, providerEventID)
	return nil
}

// FakeTokenSource always returns a fixed token.
type FakeTokenSource struct{ Token_ string }

func (f FakeTokenSource) Token(ctx context.Context, accountID string) (string, error) {
	if f.Token_ == "" {
		return "fake-token", nil
	}
	return f.Token_, nil
}
