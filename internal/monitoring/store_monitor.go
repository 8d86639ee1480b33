package monitoring

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/I3eyonder/decky-save-game-savior/internal/services"
)

// StoreMonitor periodically checks disk usage of the volume holding the
// snapshot store and raises an alert event when it crosses the configured
// threshold. Retention keeps the snapshot count bounded, but snapshot sizes
// depend entirely on the games being backed up.
type StoreMonitor struct {
	path     string
	limitPct float64
	eventSvc services.EventServiceProvider
	ticker   *time.Ticker
	done     chan bool
	alerted  bool
}

// NewStoreMonitor creates a new StoreMonitor watching path.
func NewStoreMonitor(path string, limitPct float64, eventSvc services.EventServiceProvider) *StoreMonitor {
	return &StoreMonitor{
		path:     path,
		limitPct: limitPct,
		eventSvc: eventSvc,
		done:     make(chan bool, 1),
	}
}

// Run starts the periodic checks.
func (m *StoreMonitor) Run() {
	log.Info().Str("path", m.path).Float64("limit_pct", m.limitPct).Msg("Starting snapshot store monitor...")
	m.ticker = time.NewTicker(5 * time.Minute)
	defer m.ticker.Stop()

	// Run once immediately on start
	m.check()

	for {
		select {
		case <-m.done:
			log.Info().Msg("Stopping snapshot store monitor.")
			return
		case <-m.ticker.C:
			m.check()
		}
	}
}

// Stop halts the monitor.
func (m *StoreMonitor) Stop() {
	m.done <- true
}

// check reads the store volume's usage and alerts once per crossing.
func (m *StoreMonitor) check() {
	usage, err := disk.Usage(m.path)
	if err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("Failed to read store disk usage")
		return
	}

	if usage.UsedPercent >= m.limitPct {
		if !m.alerted {
			m.alerted = true
			msg := fmt.Sprintf("Snapshot store volume is %.1f%% full (limit %.0f%%).", usage.UsedPercent, m.limitPct)
			log.Warn().Str("path", m.path).Msg(msg)
			if m.eventSvc != nil {
				m.eventSvc.CreateEvent("store.alert.usage", "warn", msg, nil)
			}
		}
		return
	}
	m.alerted = false
}
