// Package session holds the dashboard's single source of truth: the current
// reading, its history, the risk state, the accident log and the rescue
// state machine. Every method takes the current time explicitly so the
// timed transitions can be driven by a real ticker or by a test.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/chain"
	"github.com/san-kum/crash-telemetry/server/models"
	"github.com/san-kum/crash-telemetry/server/risk"
	"github.com/san-kum/crash-telemetry/server/simulation"
)

var (
	ErrAccidentInProgress = errors.New("an accident is already being processed")
	ErrNotLive            = errors.New("session is not in live mode")
	ErrNotSimulation      = errors.New("session is not in simulation mode")
	ErrInvalidMode        = errors.New("invalid mode")
)

type Config struct {
	HistoryLength       int
	AccidentProbability float64
	RescueDelay         time.Duration
	RearmDelay          time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoryLength:       30,
		AccidentProbability: 0.01,
		RescueDelay:         3 * time.Second,
		RearmDelay:          5 * time.Second,
	}
}

type Snapshot struct {
	Mode        models.Mode           `json:"mode"`
	Simulating  bool                  `json:"simulating"`
	Reading     models.SensorReading  `json:"reading"`
	Risk        models.RiskAssessment `json:"risk"`
	Gauges      []models.Gauge        `json:"gauges"`
	Sound       string                `json:"sound"`
	Rescue      models.RescueStatus   `json:"rescue_status"`
	RescuePlan  *models.RescuePlan    `json:"rescue_plan,omitempty"`
	LogLength   int                   `json:"log_length"`
	LatestEntry *chain.Entry          `json:"latest_entry,omitempty"`
	Ticks       uint64                `json:"ticks"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type Session struct {
	mutex   sync.Mutex
	cfg     Config
	rng     simulation.Rand
	builder *chain.Builder
	logger  *zap.Logger

	mode       models.Mode
	simulating bool
	reading    models.SensorReading
	history    []models.SensorReading
	risk       models.RiskAssessment
	sound      string
	log        *chain.Log
	ticks      uint64
	updatedAt  time.Time

	rescue   models.RescueStatus
	rescueAt time.Time
	rearmAt  time.Time
	// accident is the reading that raised the pending alarm; it is what
	// gets logged, whatever arrives during the rescue window.
	accident models.SensorReading
}

func New(cfg Config, rng simulation.Rand, builder *chain.Builder, logger *zap.Logger) *Session {
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = DefaultConfig().HistoryLength
	}

	s := &Session{
		cfg:     cfg,
		rng:     rng,
		builder: builder,
		logger:  logger,
		mode:    models.ModeSimulation,
		log:     chain.NewLog(),
	}
	s.resetLocked()
	return s
}

func (s *Session) Mode() models.Mode {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.mode
}

// SetMode switches between simulation and live. Leaving simulation stops
// the simulated ticks.
func (s *Session) SetMode(m models.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.mode == m {
		return nil
	}
	s.mode = m
	if m != models.ModeSimulation {
		s.simulating = false
	}
	s.logger.Info("Mode changed", zap.String("mode", string(m)))
	return nil
}

func (s *Session) SetSimulating(on bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if on && s.mode != models.ModeSimulation {
		return ErrNotSimulation
	}
	s.simulating = on
	return nil
}

func (s *Session) Simulating() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.simulating
}

// Tick runs one simulation step at now. It first settles any due rescue
// transition; while a rescue is pending no step is taken. It reports
// whether observable state changed.
func (s *Session) Tick(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	changed := s.advanceLocked(now)
	if s.mode != models.ModeSimulation || !s.simulating || s.rescue != models.RescueIdle {
		return changed
	}

	if s.rng.Float64() < s.cfg.AccidentProbability {
		s.triggerLocked(now)
		return true
	}

	next := simulation.Step(s.reading, false, s.rng)
	s.applyReadingLocked(next, now)
	s.risk = risk.Assess(next)
	if s.rng.Float64() < simulation.SoundChangeProbability {
		s.sound = simulation.ClassifySound(s.rng)
	}
	return true
}

// Ingest accepts one live reading. A High risk reading while no rescue is
// pending triggers the accident path. While a rescue is pending the reading
// is recorded but the risk stays CRITICAL.
func (s *Session) Ingest(reading models.SensorReading, now time.Time) (models.RiskAssessment, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.mode != models.ModeLive {
		return models.RiskAssessment{}, ErrNotLive
	}

	s.advanceLocked(now)
	s.applyReadingLocked(reading, now)
	if s.rescue != models.RescueIdle {
		return s.risk, nil
	}

	s.risk = risk.Assess(reading)
	if s.risk.Level == models.RiskHigh {
		s.logger.Warn("High risk live reading, triggering accident",
			zap.Int("risk", s.risk.Value),
			zap.Strings("rules", risk.Fired(reading)))
		s.triggerLocked(now)
	}
	return s.risk, nil
}

// TriggerAccident raises the CRITICAL alarm and starts the rescue
// calculation. Requests made while one is pending are refused.
func (s *Session) TriggerAccident(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.advanceLocked(now)
	if s.rescue != models.RescueIdle {
		return ErrAccidentInProgress
	}
	s.triggerLocked(now)
	return nil
}

// Advance applies the timed transitions that are due at now:
// calculating -> complete appends the log entry, complete -> idle re-arms.
func (s *Session) Advance(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.advanceLocked(now)
}

// Reset restores the initial reading and clears history, log and any
// pending rescue. A pending rescue is cancelled and never logged.
func (s *Session) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.resetLocked()
	s.logger.Info("Session reset")
}

func (s *Session) Snapshot() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snap := Snapshot{
		Mode:       s.mode,
		Simulating: s.simulating,
		Reading:    s.reading,
		Risk:       s.risk,
		Gauges:     risk.Gauges(s.reading),
		Sound:      s.sound,
		Rescue:     s.rescue,
		LogLength:  s.log.Len(),
		Ticks:      s.ticks,
		UpdatedAt:  s.updatedAt,
	}
	if s.rescue == models.RescueComplete {
		plan := models.DefaultRescuePlan
		snap.RescuePlan = &plan
	}
	if entries := s.log.Entries(); len(entries) > 0 {
		latest := entries[0]
		snap.LatestEntry = &latest
	}
	return snap
}

func (s *Session) History() []models.SensorReading {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]models.SensorReading, len(s.history))
	copy(out, s.history)
	return out
}

// Entries returns the accident log, newest first.
func (s *Session) Entries() []chain.Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.log.Entries()
}

// Digest names the algorithm linking the accident log.
func (s *Session) Digest() string {
	return s.builder.Hasher().Name()
}

func (s *Session) VerifyLog() error {
	entries := s.Entries()
	return s.builder.Verify(entries)
}

func (s *Session) triggerLocked(now time.Time) {
	if s.mode == models.ModeSimulation {
		crash := simulation.Step(s.reading, true, s.rng)
		s.applyReadingLocked(crash, now)
	}
	s.accident = s.reading
	s.risk = risk.Critical()
	s.sound = simulation.CrashSound
	s.rescue = models.RescueCalculating
	s.rescueAt = now.Add(s.cfg.RescueDelay)
	s.updatedAt = now

	s.logger.Warn("Accident detected",
		zap.String("mode", string(s.mode)),
		zap.Float64("g_force", s.reading.GForce),
		zap.Time("log_due", s.rescueAt))
}

func (s *Session) advanceLocked(now time.Time) bool {
	changed := false

	if s.rescue == models.RescueCalculating && !now.Before(s.rescueAt) {
		entry, err := s.builder.Append(s.log.Head(), s.accident)
		if err != nil {
			s.logger.Error("Failed to build accident log entry", zap.Error(err))
		} else {
			s.log.Prepend(entry)
			s.logger.Info("Accident logged",
				zap.String("hash", entry.Hash),
				zap.String("previous_hash", entry.PreviousHash),
				zap.Float64("velocity_at_impact", entry.VelocityAtImpact))
		}
		s.rescue = models.RescueComplete
		s.rearmAt = now.Add(s.cfg.RearmDelay)
		s.updatedAt = now
		changed = true
	}

	if s.rescue == models.RescueComplete && !now.Before(s.rearmAt) {
		s.rescue = models.RescueIdle
		if s.mode == models.ModeSimulation {
			s.reading = simulation.InitialReading()
			s.history = nil
		}
		s.sound = simulation.DefaultSound
		s.risk = risk.Assess(s.reading)
		s.updatedAt = now
		changed = true
		s.logger.Info("Accident handling re-armed")
	}

	return changed
}

func (s *Session) applyReadingLocked(r models.SensorReading, now time.Time) {
	s.reading = r
	s.history = append(s.history, r)
	if over := len(s.history) - s.cfg.HistoryLength; over > 0 {
		s.history = append([]models.SensorReading(nil), s.history[over:]...)
	}
	s.ticks++
	s.updatedAt = now
}

func (s *Session) resetLocked() {
	s.simulating = false
	s.reading = simulation.InitialReading()
	s.history = nil
	s.risk = risk.Assess(s.reading)
	s.sound = simulation.DefaultSound
	s.log.Reset()
	s.rescue = models.RescueIdle
	s.rescueAt = time.Time{}
	s.rearmAt = time.Time{}
	s.accident = models.SensorReading{}
	s.ticks = 0
}
