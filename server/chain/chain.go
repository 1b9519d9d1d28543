// Package chain builds the append-only, hash-linked accident log.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/san-kum/crash-telemetry/server/models"
)

// GenesisHash is the previousHash of the first entry in a log.
const GenesisHash = "0"

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

var (
	ErrBadGenesis   = errors.New("oldest entry does not reference the genesis hash")
	ErrBrokenLink   = errors.New("previous hash does not match predecessor")
	ErrHashMismatch = errors.New("stored hash does not match recomputed digest")
)

// Entry is one confirmed accident. Entries are immutable once built.
type Entry struct {
	Timestamp        string               `json:"timestamp"`
	Hash             string               `json:"hash"`
	PreviousHash     string               `json:"previousHash"`
	Data             models.SensorReading `json:"data"`
	VelocityAtImpact float64              `json:"velocityAtImpact"`
}

// payload fixes the field order of the digested document.
type payload struct {
	Timestamp        string               `json:"timestamp"`
	PreviousHash     string               `json:"previousHash"`
	SensorData       models.SensorReading `json:"sensorData"`
	VelocityAtImpact float64              `json:"velocityAtImpact"`
}

type Builder struct {
	hasher Hasher
	now    func() time.Time
}

// NewBuilder returns a builder using hasher and now. A nil hasher selects
// the rolling checksum and a nil now selects time.Now.
func NewBuilder(hasher Hasher, now func() time.Time) *Builder {
	if hasher == nil {
		hasher = RollingHasher{}
	}
	if now == nil {
		now = time.Now
	}
	return &Builder{hasher: hasher, now: now}
}

func (b *Builder) Hasher() Hasher {
	return b.hasher
}

// Append builds the entry that follows previousHash. It does not touch any
// log; the caller prepends the result.
func (b *Builder) Append(previousHash string, reading models.SensorReading) (Entry, error) {
	entry := Entry{
		Timestamp:        b.now().UTC().Format(TimestampFormat),
		PreviousHash:     previousHash,
		Data:             reading,
		VelocityAtImpact: reading.Velocity,
	}

	hash, err := b.Recompute(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash
	return entry, nil
}

// Recompute digests the captured fields of e, ignoring e.Hash.
func (b *Builder) Recompute(e Entry) (string, error) {
	data, err := json.Marshal(payload{
		Timestamp:        e.Timestamp,
		PreviousHash:     e.PreviousHash,
		SensorData:       e.Data,
		VelocityAtImpact: e.VelocityAtImpact,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}
	return b.hasher.Sum(data), nil
}

// Verify checks a newest-first sequence: every digest recomputes, every
// entry links to the one after it, and the oldest links to GenesisHash.
func (b *Builder) Verify(entries []Entry) error {
	for i, e := range entries {
		hash, err := b.Recompute(e)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if hash != e.Hash {
			return fmt.Errorf("entry %d (%s): %w", i, e.Hash, ErrHashMismatch)
		}

		if i == len(entries)-1 {
			if e.PreviousHash != GenesisHash {
				return fmt.Errorf("entry %d (%s): %w", i, e.Hash, ErrBadGenesis)
			}
			continue
		}
		if e.PreviousHash != entries[i+1].Hash {
			return fmt.Errorf("entry %d (%s): %w", i, e.Hash, ErrBrokenLink)
		}
	}
	return nil
}
