package snowflake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wavelink/backend/internal/lease"
)

type stubLeases struct {
	mu    sync.Mutex
	lease lease.Lease
	err   error
	calls int
}

func (s *stubLeases) EnsureLease(context.Context) (lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return lease.Lease{}, s.err
	}
	return s.lease, nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGenerator(t *testing.T, leases LeaseSource, clock func() time.Time) *Generator {
	t.Helper()
	generator, err := NewGenerator(GeneratorConfig{Leases: leases, Clock: clock, WrapWait: time.Microsecond})
	if err != nil {
		t.Fatalf("failed to construct generator: %v", err)
	}
	return generator
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	leases := &stubLeases{lease: lease.Lease{WorkerID: 42}}
	generator := newTestGenerator(t, leases, time.Now)

	var previous ID
	for index := 0; index < 10000; index++ {
		id, err := generator.Next(context.Background())
		if err != nil {
			t.Fatalf("next failed at %d: %v", index, err)
		}
		if id <= previous {
			t.Fatalf("id %d at index %d is not greater than %d", id, index, previous)
		}
		parts := Decode(id)
		if parts.WorkerID != 42 {
			t.Fatalf("expected worker 42, decoded %d", parts.WorkerID)
		}
		if int(parts.Sequence) >= SequenceLimit {
			t.Fatalf("sequence %d out of range", parts.Sequence)
		}
		previous = id
	}
}

func TestNextWaitsForNextMillisecondOnWrap(t *testing.T) {
	clock := &steppingClock{now: Epoch.Add(time.Hour)}
	leases := &stubLeases{lease: lease.Lease{WorkerID: 1}}
	generator := newTestGenerator(t, leases, clock.Now)

	var previous ID
	for index := 0; index < SequenceLimit; index++ {
		id, err := generator.Next(context.Background())
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if id <= previous {
			t.Fatalf("ids not increasing at %d", index)
		}
		previous = id
	}

	done := make(chan ID, 1)
	go func() {
		id, err := generator.Next(context.Background())
		if err != nil {
			t.Errorf("next after wrap failed: %v", err)
		}
		done <- id
	}()

	select {
	case <-done:
		t.Fatal("expected generator to block until the clock advances")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case id := <-done:
		if id <= previous {
			t.Fatalf("id after wrap %d not greater than %d", id, previous)
		}
		if Decode(id).Sequence != 0 {
			t.Fatalf("expected wrapped sequence 0, got %d", Decode(id).Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("generator did not resume after clock advanced")
	}
}

func TestNextWrapHonoursContext(t *testing.T) {
	clock := &steppingClock{now: Epoch.Add(time.Hour)}
	generator := newTestGenerator(t, &stubLeases{lease: lease.Lease{WorkerID: 1}}, clock.Now)
	for index := 0; index < SequenceLimit; index++ {
		if _, err := generator.Next(context.Background()); err != nil {
			t.Fatalf("next failed: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := generator.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNextToleratesClockStepBack(t *testing.T) {
	clock := &steppingClock{now: Epoch.Add(time.Hour)}
	generator := newTestGenerator(t, &stubLeases{lease: lease.Lease{WorkerID: 5}}, clock.Now)

	first, err := generator.Next(context.Background())
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	clock.Advance(-time.Second)
	second, err := generator.Next(context.Background())
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if second <= first {
		t.Fatalf("expected %d > %d after clock step back", second, first)
	}
}

func TestNextWithoutLease(t *testing.T) {
	leases := &stubLeases{err: lease.ErrLeaseUnavailable}
	generator := newTestGenerator(t, leases, time.Now)
	id, err := generator.Next(context.Background())
	if !errors.Is(err, lease.ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable, got %v", err)
	}
	if id != 0 {
		t.Fatalf("expected zero id on failure, got %d", id)
	}
}

func TestNextRejectsOversizedWorkerID(t *testing.T) {
	generator := newTestGenerator(t, &stubLeases{lease: lease.Lease{WorkerID: MaxWorkerID + 1}}, time.Now)
	if _, err := generator.Next(context.Background()); !errors.Is(err, lease.ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable, got %v", err)
	}
}

func TestComposeDecodeRoundTrip(t *testing.T) {
	id := Compose(123456789, 1023, 4095)
	parts := Decode(id)
	if parts.WorkerID != 1023 || parts.Sequence != 4095 {
		t.Fatalf("unexpected parts %+v", parts)
	}
	if !parts.Timestamp.Equal(Epoch.Add(123456789 * time.Millisecond)) {
		t.Fatalf("unexpected timestamp %s", parts.Timestamp)
	}
}

func TestIDJSONUsesDecimalStrings(t *testing.T) {
	id := ID(1<<62 + 1)
	encoded, err := json.Marshal(map[string]ID{"id": id})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != `{"id":"4611686018427387905"}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	var decoded struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal([]byte(`{"id":4611686018427387905}`), &decoded); err != nil {
		t.Fatalf("unmarshal of bare integer failed: %v", err)
	}
	if decoded.ID != id {
		t.Fatalf("expected %d, got %d", id, decoded.ID)
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		input string
		valid bool
	}{
		{input: "12345", valid: true},
		{input: " 42 ", valid: true},
		{input: "0", valid: false},
		{input: "-1", valid: false},
		{input: "abc", valid: false},
		{input: "", valid: false},
		{input: "18446744073709551616", valid: false},
	}
	for _, testCase := range cases {
		_, err := Parse(testCase.input)
		if testCase.valid && err != nil {
			t.Fatalf("expected %q to parse: %v", testCase.input, err)
		}
		if !testCase.valid && !errors.Is(err, ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID for %q, got %v", testCase.input, err)
		}
	}
}
