// Package snowflake mints 64-bit time-ordered identifiers from a leased
// worker id, a millisecond timestamp and a local sequence.
//
// Layout, most significant first:
//
//	timestamp (ms since Epoch) | worker id (10 bits) | sequence (12 bits)
package snowflake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wavelink/backend/internal/lease"
	"go.uber.org/zap"
)

const (
	WorkerIDBits = 10
	SequenceBits = 12

	MaxWorkerID   = 1<<WorkerIDBits - 1
	SequenceLimit = 1 << SequenceBits

	workerShift    = SequenceBits
	timestampShift = WorkerIDBits + SequenceBits
	sequenceMask   = SequenceLimit - 1

	defaultWrapWait = 100 * time.Microsecond
)

// Epoch is 2020-01-01T00:00:00Z.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// LeaseSource yields the worker lease an ID is minted under.
type LeaseSource interface {
	EnsureLease(ctx context.Context) (lease.Lease, error)
}

// Parts are the decoded fields of an ID.
type Parts struct {
	Timestamp time.Time
	WorkerID  uint16
	Sequence  uint16
}

// Decode splits an ID into its fields.
func Decode(id ID) Parts {
	value := uint64(id)
	return Parts{
		Timestamp: Epoch.Add(time.Duration(value>>timestampShift) * time.Millisecond),
		WorkerID:  uint16((value >> workerShift) & MaxWorkerID),
		Sequence:  uint16(value & sequenceMask),
	}
}

// Compose packs the fields into an ID. Out-of-range worker or sequence bits
// are masked off.
func Compose(deltaMillis uint64, workerID, sequence uint16) ID {
	return ID(deltaMillis<<timestampShift |
		(uint64(workerID)&MaxWorkerID)<<workerShift |
		uint64(sequence)&sequenceMask)
}

// GeneratorConfig wires a Generator to its lease and clock.
type GeneratorConfig struct {
	Leases LeaseSource
	Clock  func() time.Time
	Logger *zap.Logger
	// WrapWait is how long Next sleeps between clock checks when the
	// sequence has wrapped inside one millisecond.
	WrapWait time.Duration
	// Observer is notified for every minted ID.
	Observer func(ID)
}

// Generator mints IDs. It is safe for concurrent use; IDs from one
// Generator holding one lease are strictly increasing.
type Generator struct {
	leases   LeaseSource
	clock    func() time.Time
	logger   *zap.Logger
	wrapWait time.Duration
	observer func(ID)

	mu         sync.Mutex
	sequence   uint16
	lastMillis uint64
	lastSeq    uint16
	lastWorker uint16
	issued     bool
}

// NewGenerator constructs a Generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Leases == nil {
		return nil, fmt.Errorf("snowflake: lease source required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wrapWait := cfg.WrapWait
	if wrapWait <= 0 {
		wrapWait = defaultWrapWait
	}
	observer := cfg.Observer
	if observer == nil {
		observer = func(ID) {}
	}
	return &Generator{
		leases:   cfg.Leases,
		clock:    clock,
		logger:   logger,
		wrapWait: wrapWait,
		observer: observer,
	}, nil
}

// Next returns the next ID. It fails with lease.ErrLeaseUnavailable rather
// than minting without a valid lease.
func (g *Generator) Next(ctx context.Context) (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	held, err := g.leases.EnsureLease(ctx)
	if err != nil {
		return 0, err
	}
	if held.WorkerID > MaxWorkerID {
		return 0, fmt.Errorf("%w: worker id %d exceeds %d", lease.ErrLeaseUnavailable, held.WorkerID, MaxWorkerID)
	}
	if g.issued && held.WorkerID != g.lastWorker {
		g.logger.Info("snowflake worker id changed",
			zap.Uint16("previous", g.lastWorker),
			zap.Uint16("current", held.WorkerID),
		)
		g.issued = false
	}

	millis, err := g.currentMillis()
	if err != nil {
		return 0, err
	}
	sequence := g.sequence
	// A wrapped sequence inside the same millisecond would repeat or go
	// backwards, so hold until the clock moves on.
	for g.issued && millis == g.lastMillis && sequence <= g.lastSeq {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(g.wrapWait):
		}
		if millis, err = g.currentMillis(); err != nil {
			return 0, err
		}
	}

	id := Compose(millis, held.WorkerID, sequence)
	g.sequence = uint16((uint32(sequence) + 1) & sequenceMask)
	g.lastMillis = millis
	g.lastSeq = sequence
	g.lastWorker = held.WorkerID
	g.issued = true
	g.observer(id)
	return id, nil
}

// currentMillis never returns less than the last issued timestamp so a
// clock step backwards cannot reorder IDs.
func (g *Generator) currentMillis() (uint64, error) {
	now := g.clock()
	if now.Before(Epoch) {
		return 0, fmt.Errorf("snowflake: clock %s precedes epoch", now.UTC().Format(time.RFC3339))
	}
	millis := uint64(now.Sub(Epoch) / time.Millisecond)
	if g.issued && millis < g.lastMillis {
		return g.lastMillis, nil
	}
	return millis, nil
}
