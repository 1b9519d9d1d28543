// Package settings persists the dashboard's two user-editable addresses.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/cache"
	"github.com/san-kum/crash-telemetry/server/models"
)

// Key is where the settings document lives in the cache.
const Key = "appSettings"

type Store struct {
	cache    cache.Cache
	defaults models.Settings
	logger   *zap.Logger

	mutex   sync.RWMutex
	current models.Settings
}

// NewStore loads saved settings, falling back to defaults when none are
// stored or the stored document is unreadable.
func NewStore(ctx context.Context, c cache.Cache, defaults models.Settings, logger *zap.Logger) *Store {
	s := &Store{
		cache:    c,
		defaults: defaults,
		logger:   logger,
		current:  defaults,
	}

	var saved models.Settings
	err := c.Get(ctx, Key, &saved)
	switch {
	case err == nil:
		s.current = saved
		logger.Info("Loaded saved settings",
			zap.String("camera_url", saved.CameraURL),
			zap.String("sensor_url", saved.SensorURL))
	case errors.Is(err, cache.ErrCacheMiss):
		logger.Debug("No saved settings, using defaults")
	default:
		logger.Warn("Failed to load settings, using defaults", zap.Error(err))
	}

	return s
}

func (s *Store) Get() models.Settings {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.current
}

// Save validates and persists next. Empty addresses are allowed; they mean
// "not configured".
func (s *Store) Save(ctx context.Context, next models.Settings) error {
	if err := Validate(next); err != nil {
		return err
	}

	if err := s.cache.Set(ctx, Key, next); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}

	s.mutex.Lock()
	s.current = next
	s.mutex.Unlock()

	s.logger.Info("Settings saved",
		zap.String("camera_url", next.CameraURL),
		zap.String("sensor_url", next.SensorURL))
	return nil
}

// Clear drops the saved document and falls back to the defaults.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.cache.Delete(ctx, Key); err != nil {
		return fmt.Errorf("failed to clear settings: %w", err)
	}

	s.mutex.Lock()
	s.current = s.defaults
	s.mutex.Unlock()

	s.logger.Info("Settings cleared, defaults restored")
	return nil
}

var ErrInvalidSettings = errors.New("invalid settings")

func Validate(st models.Settings) error {
	if st.CameraURL != "" {
		if err := checkURL(st.CameraURL, "http", "https", "rtsp"); err != nil {
			return fmt.Errorf("%w: cameraUrl: %v", ErrInvalidSettings, err)
		}
	}
	if st.SensorURL != "" {
		if err := checkURL(st.SensorURL, "ws", "wss"); err != nil {
			return fmt.Errorf("%w: sensorUrl: %v", ErrInvalidSettings, err)
		}
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}
