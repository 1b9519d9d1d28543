package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/cache"
	"github.com/san-kum/crash-telemetry/server/livefeed"
	"github.com/san-kum/crash-telemetry/server/models"
	"github.com/san-kum/crash-telemetry/server/session"
	"github.com/san-kum/crash-telemetry/server/settings"
)

// TelemetryProcessor drives a session: it ticks the simulation, feeds it
// live readings, and fans snapshots out to subscribers. Every state
// change goes through the session, so the processor holds no dashboard
// state of its own.
type TelemetryProcessor struct {
	session  *session.Session
	live     *livefeed.Adapter
	settings *settings.Store
	cache    cache.Cache
	logger   *zap.Logger
	config   Config
	now      func() time.Time

	mutex       sync.RWMutex
	subscribers map[string]chan session.Snapshot

	startTime     time.Time
	ticks         atomic.Int64
	liveReadings  atomic.Int64
	liveRejected  atomic.Int64
	published     atomic.Int64
	droppedFrames atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	TickInterval     time.Duration
	SubscriberBuffer int
	LiveDialTimeout  time.Duration
	LiveReadLimit    int64
}

type ProcessorStats struct {
	StartTime        time.Time      `json:"start_time"`
	Uptime           string         `json:"uptime"`
	Ticks            int64          `json:"ticks"`
	LiveReadings     int64          `json:"live_readings"`
	LiveRejected     int64          `json:"live_rejected"`
	SnapshotsSent    int64          `json:"snapshots_sent"`
	SnapshotsDropped int64          `json:"snapshots_dropped"`
	Subscribers      int            `json:"subscribers"`
	LogLength        int            `json:"log_length"`
	Live             livefeed.Stats `json:"live"`
}

func NewTelemetryProcessor(cfg Config, sess *session.Session, store *settings.Store, c cache.Cache, logger *zap.Logger) *TelemetryProcessor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 8
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &TelemetryProcessor{
		session:     sess,
		settings:    store,
		cache:       c,
		logger:      logger,
		config:      cfg,
		now:         time.Now,
		subscribers: make(map[string]chan session.Snapshot),
		startTime:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	p.live = livefeed.NewAdapter(livefeed.Options{
		DialTimeout: cfg.LiveDialTimeout,
		ReadLimit:   cfg.LiveReadLimit,
		OnReading: func(r models.SensorReading) {
			if _, err := p.HandleReading(r); err != nil {
				p.logger.Debug("Live reading not applied", zap.Error(err))
			}
		},
		OnState: func(s livefeed.State) {
			p.logger.Debug("Live feed state", zap.String("state", string(s)))
			p.publish()
		},
	}, logger.Named("livefeed"))

	return p
}

// Run ticks until ctx is cancelled or Shutdown is called.
func (p *TelemetryProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	p.logger.Info("Telemetry processor started", zap.Duration("tick_interval", p.config.TickInterval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(p.now())
		}
	}
}

func (p *TelemetryProcessor) tick(now time.Time) {
	p.ticks.Add(1)
	if p.session.Tick(now) {
		p.publish()
	}
}

func (p *TelemetryProcessor) Session() *session.Session {
	return p.session
}

// HandleReading applies one live reading.
func (p *TelemetryProcessor) HandleReading(r models.SensorReading) (models.RiskAssessment, error) {
	assessment, err := p.session.Ingest(r, p.now())
	if err != nil {
		p.liveRejected.Add(1)
		return assessment, err
	}
	p.liveReadings.Add(1)
	p.publish()
	return assessment, nil
}

// IngestPayload decodes a raw reading the same way the live feed does and
// applies it.
func (p *TelemetryProcessor) IngestPayload(payload []byte) (models.SensorReading, models.RiskAssessment, error) {
	reading, err := livefeed.Decode(payload)
	if err != nil {
		p.liveRejected.Add(1)
		p.logger.Warn("Dropped malformed reading", zap.Error(err), zap.Int("bytes", len(payload)))
		return models.SensorReading{}, models.RiskAssessment{}, err
	}
	assessment, err := p.HandleReading(reading)
	return reading, assessment, err
}

func (p *TelemetryProcessor) SetMode(m models.Mode) error {
	if err := p.session.SetMode(m); err != nil {
		return err
	}
	if m != models.ModeLive {
		p.disconnectLive()
	}
	p.publish()
	return nil
}

func (p *TelemetryProcessor) StartSimulation() error {
	if err := p.session.SetSimulating(true); err != nil {
		return err
	}
	p.logger.Info("Simulation started")
	p.publish()
	return nil
}

func (p *TelemetryProcessor) StopSimulation() {
	_ = p.session.SetSimulating(false)
	p.logger.Info("Simulation stopped")
	p.publish()
}

func (p *TelemetryProcessor) TriggerAccident() error {
	if err := p.session.TriggerAccident(p.now()); err != nil {
		return err
	}
	p.publish()
	return nil
}

// ConnectLive dials the sensor address from the saved settings.
func (p *TelemetryProcessor) ConnectLive(ctx context.Context) error {
	if p.session.Mode() != models.ModeLive {
		return session.ErrNotLive
	}
	return p.live.Connect(ctx, p.settings.Get().SensorURL)
}

func (p *TelemetryProcessor) DisconnectLive() error {
	return p.live.Close()
}

func (p *TelemetryProcessor) LiveStats() livefeed.Stats {
	return p.live.Stats()
}

// Reset stops the simulation, drops any live connection and restores the
// session to its initial state.
func (p *TelemetryProcessor) Reset() {
	p.disconnectLive()
	p.session.Reset()
	p.publish()
}

func (p *TelemetryProcessor) disconnectLive() {
	if err := p.live.Close(); err != nil {
		p.logger.Warn("Failed to close live feed", zap.Error(err))
	}
}

func (p *TelemetryProcessor) Settings() models.Settings {
	return p.settings.Get()
}

func (p *TelemetryProcessor) SaveSettings(ctx context.Context, next models.Settings) error {
	return p.settings.Save(ctx, next)
}

func (p *TelemetryProcessor) ClearSettings(ctx context.Context) error {
	return p.settings.Clear(ctx)
}

// Subscribe registers a snapshot consumer. The current snapshot is queued
// immediately. Slow consumers miss snapshots rather than block the driver.
func (p *TelemetryProcessor) Subscribe() (string, <-chan session.Snapshot) {
	id := uuid.NewString()
	ch := make(chan session.Snapshot, p.config.SubscriberBuffer)
	ch <- p.session.Snapshot()

	p.mutex.Lock()
	p.subscribers[id] = ch
	count := len(p.subscribers)
	p.mutex.Unlock()

	p.logger.Debug("Subscriber added", zap.String("subscriber_id", id), zap.Int("subscribers", count))
	return id, ch
}

func (p *TelemetryProcessor) Unsubscribe(id string) {
	p.mutex.Lock()
	ch, ok := p.subscribers[id]
	delete(p.subscribers, id)
	p.mutex.Unlock()

	if ok {
		close(ch)
		p.logger.Debug("Subscriber removed", zap.String("subscriber_id", id))
	}
}

func (p *TelemetryProcessor) publish() {
	snap := p.session.Snapshot()

	p.mutex.RLock()
	defer p.mutex.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- snap:
			p.published.Add(1)
		default:
			p.droppedFrames.Add(1)
		}
	}
}

func (p *TelemetryProcessor) GetStats() *ProcessorStats {
	p.mutex.RLock()
	subscribers := len(p.subscribers)
	p.mutex.RUnlock()

	return &ProcessorStats{
		StartTime:        p.startTime,
		Uptime:           time.Since(p.startTime).Round(time.Second).String(),
		Ticks:            p.ticks.Load(),
		LiveReadings:     p.liveReadings.Load(),
		LiveRejected:     p.liveRejected.Load(),
		SnapshotsSent:    p.published.Load(),
		SnapshotsDropped: p.droppedFrames.Load(),
		Subscribers:      subscribers,
		LogLength:        len(p.session.Entries()),
		Live:             p.live.Stats(),
	}
}

func (p *TelemetryProcessor) GetCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if p.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	return p.cache.GetStats(ctx)
}

// Shutdown stops the tick loop, closes the live feed and every subscriber,
// then the cache.
func (p *TelemetryProcessor) Shutdown() error {
	p.logger.Info("Shutting down telemetry processor...")

	p.cancel()
	p.disconnectLive()

	p.mutex.Lock()
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	p.mutex.Unlock()

	var errs []error
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			p.logger.Error("Failed to close cache", zap.Error(err))
			errs = append(errs, err)
		}
	}

	p.logger.Info("Telemetry processor shutdown complete")
	return errors.Join(errs...)
}
