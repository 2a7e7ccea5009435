package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// testNow is the fixed clock all service tests start from, a Monday morning.
var testNow = time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)

// memHolder is an in-process SlotHolder. TTLs are ignored; expiry in tests is
// driven through the sweep, which releases holds explicitly.
type memHolder struct {
	mu    sync.Mutex
	holds map[uuid.UUID]string
}

func newMemHolder() *memHolder {
	return &memHolder{holds: make(map[uuid.UUID]string)}
}

func (h *memHolder) Acquire(_ context.Context, slotID uuid.UUID, token string, _ time.Duration) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, held := h.holds[slotID]; held {
		return false, nil
	}
	h.holds[slotID] = token
	return true, nil
}

func (h *memHolder) Release(_ context.Context, slotID uuid.UUID, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.holds[slotID] == token {
		delete(h.holds, slotID)
	}
	return nil
}

func (h *memHolder) holderOf(slotID uuid.UUID) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	token, ok := h.holds[slotID]
	return token, ok
}

// memPublisher captures published payloads.
type memPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *memPublisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.payloads = append(p.payloads, cp)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type testEnv struct {
	svc    *Service
	repo   *MemoryRepository
	holder *memHolder
	pub    *memPublisher
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	repo := NewMemoryRepository()
	holder := newMemHolder()
	pub := &memPublisher{}
	svc := NewService(repo, holder, pub, policy, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return &testEnv{svc: svc, repo: repo, holder: holder, pub: pub}
}

// setNow moves the test clock.
func (e *testEnv) setNow(t time.Time) {
	e.svc.now = func() time.Time { return t }
}

// addSlot stores an available slot directly, bypassing rule generation.
func (e *testEnv) addSlot(t *testing.T, providerID uuid.UUID, date time.Time, startMinute, minutes int, fee int64) *Slot {
	t.Helper()
	slot := &Slot{
		ID:          uuid.New(),
		ProviderID:  providerID,
		Date:        DateOf(date),
		StartMinute: startMinute,
		Minutes:     minutes,
		Fee:         fee,
		Status:      SlotAvailable,
	}
	inserted, err := e.repo.CreateSlotIfAbsent(context.Background(), slot)
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	if !inserted {
		t.Fatalf("slot %s already exists", slot.ID)
	}
	return slot
}

func window(start, end int) *TimeWindow {
	return &TimeWindow{Start: start, End: end}
}
