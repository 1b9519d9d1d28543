package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/livefeed"
	"github.com/san-kum/crash-telemetry/server/models"
	"github.com/san-kum/crash-telemetry/server/processor"
	"github.com/san-kum/crash-telemetry/server/session"
	"github.com/san-kum/crash-telemetry/server/settings"
)

type TelemetryHandler struct {
	processor *processor.TelemetryProcessor
	logger    *zap.Logger

	mutex sync.Mutex
	stats *SystemStats
}

// SystemStats counts readings pushed over HTTP.
type SystemStats struct {
	TotalReadings int64     `json:"total_readings"`
	AcceptedOK    int64     `json:"accepted_ok"`
	Rejected      int64     `json:"rejected"`
	OutOfRange    int64     `json:"out_of_range"`
	AvgIngestTime float64   `json:"avg_ingest_time_ms"`
	LastUpdated   time.Time `json:"last_updated"`
}

type ModeRequest struct {
	Mode models.Mode `json:"mode" binding:"required"`
}

func NewTelemetryHandler(processor *processor.TelemetryProcessor, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		processor: processor,
		logger:    logger,
		stats: &SystemStats{
			LastUpdated: time.Now(),
		},
	}
}

func (h *TelemetryHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.processor.Session().Snapshot())
}

func (h *TelemetryHandler) GetHistory(c *gin.Context) {
	history := h.processor.Session().History()
	c.JSON(http.StatusOK, gin.H{
		"readings":  history,
		"analytics": session.Summarize(history),
	})
}

func (h *TelemetryHandler) GetLog(c *gin.Context) {
	entries := h.processor.Session().Entries()
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"length":  len(entries),
		"digest":  h.processor.Session().Digest(),
	})
}

func (h *TelemetryHandler) VerifyLog(c *gin.Context) {
	sess := h.processor.Session()
	length := len(sess.Entries())
	if err := sess.VerifyLog(); err != nil {
		h.logger.Warn("Accident log failed verification", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "length": length, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "length": length})
}

func (h *TelemetryHandler) SetMode(c *gin.Context) {
	var request ModeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if err := h.processor.SetMode(request.Mode); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.processor.Session().Snapshot())
}

func (h *TelemetryHandler) StartSimulation(c *gin.Context) {
	if err := h.processor.StartSimulation(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.processor.Session().Snapshot())
}

func (h *TelemetryHandler) StopSimulation(c *gin.Context) {
	h.processor.StopSimulation()
	c.JSON(http.StatusOK, h.processor.Session().Snapshot())
}

func (h *TelemetryHandler) TriggerAccident(c *gin.Context) {
	if err := h.processor.TriggerAccident(); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.processor.Session().Snapshot())
}

// IngestReading accepts one reading in the live feed's wire format.
func (h *TelemetryHandler) IngestReading(c *gin.Context) {
	startTime := time.Now()

	payload, err := c.GetRawData()
	if err != nil {
		h.record(false, false, 0)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	reading, assessment, err := h.processor.IngestPayload(payload)
	if err != nil {
		h.record(false, false, 0)
		h.respondError(c, err)
		return
	}

	inRange := reading.Valid()
	h.record(true, !inRange, time.Since(startTime))

	c.JSON(http.StatusOK, gin.H{
		"risk":     assessment,
		"in_range": inRange,
	})
}

func (h *TelemetryHandler) ConnectLive(c *gin.Context) {
	err := h.processor.ConnectLive(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, h.processor.LiveStats())
	case errors.Is(err, session.ErrNotLive),
		errors.Is(err, livefeed.ErrNoAddress),
		errors.Is(err, livefeed.ErrAlreadyConnected),
		errors.Is(err, livefeed.ErrDialAborted):
		h.respondError(c, err)
	default:
		h.logger.Error("Live feed connection failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (h *TelemetryHandler) DisconnectLive(c *gin.Context) {
	if err := h.processor.DisconnectLive(); err != nil {
		h.logger.Warn("Live feed close reported an error", zap.Error(err))
	}
	c.JSON(http.StatusOK, h.processor.LiveStats())
}

func (h *TelemetryHandler) LiveStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.processor.LiveStats())
}

func (h *TelemetryHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.processor.Settings())
}

func (h *TelemetryHandler) UpdateSettings(c *gin.Context) {
	var request models.Settings
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if err := h.processor.SaveSettings(c.Request.Context(), request); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.processor.Settings())
}

func (h *TelemetryHandler) ClearSettings(c *gin.Context) {
	if err := h.processor.ClearSettings(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.processor.Settings())
}

func (h *TelemetryHandler) Reset(c *gin.Context) {
	h.processor.Reset()
	c.JSON(http.StatusOK, h.processor.Session().Snapshot())
}

func (h *TelemetryHandler) GetStats(c *gin.Context) {
	h.mutex.Lock()
	h.stats.LastUpdated = time.Now()
	system := *h.stats
	h.mutex.Unlock()

	var acceptRate float64
	if system.TotalReadings > 0 {
		acceptRate = float64(system.AcceptedOK) / float64(system.TotalReadings) * 100
	}

	processorStats := h.processor.GetStats()

	response := gin.H{
		"system":    system,
		"processor": processorStats,
		"metrics": gin.H{
			"accept_rate":    acceptRate,
			"uptime_seconds": time.Since(processorStats.StartTime).Seconds(),
		},
	}

	cacheStats, err := h.processor.GetCacheStats(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to read cache stats", zap.Error(err))
	} else {
		response["cache"] = cacheStats
	}

	c.JSON(http.StatusOK, response)
}

func (h *TelemetryHandler) record(accepted, outOfRange bool, duration time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.stats.TotalReadings++
	if !accepted {
		h.stats.Rejected++
		return
	}
	h.stats.AcceptedOK++
	if outOfRange {
		h.stats.OutOfRange++
	}

	current := float64(duration.Microseconds()) / 1000
	if h.stats.AvgIngestTime == 0 {
		h.stats.AvgIngestTime = current
	} else {
		alpha := 0.1
		h.stats.AvgIngestTime = alpha*current + (1-alpha)*h.stats.AvgIngestTime
	}
}

func (h *TelemetryHandler) respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidMode),
		errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, livefeed.ErrMalformed),
		errors.Is(err, livefeed.ErrNoAddress):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAccidentInProgress),
		errors.Is(err, session.ErrNotLive),
		errors.Is(err, session.ErrNotSimulation),
		errors.Is(err, livefeed.ErrAlreadyConnected),
		errors.Is(err, livefeed.ErrDialAborted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
