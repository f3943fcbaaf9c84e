// Package monitor collects system metrics and stream telemetry, and
// forwards critical alerts to an operator sink.
package monitor

import (
	"context"
	"log"
	"time"

	"tradegate/internal/events"
	"tradegate/pkg/db"
)

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(ctx context.Context, message string) error
}

// Monitor watches the event bus: alerts go to the sink, stream
// lifecycle transitions become tracking rows, counters tick.
type Monitor struct {
	db      *db.Database
	bus     *events.Bus
	metrics *SystemMetrics
	sink    AlertSink
}

// New creates a monitor. The sink may be nil; alerts are then only
// logged.
func New(database *db.Database, bus *events.Bus, metrics *SystemMetrics, sink AlertSink) *Monitor {
	return &Monitor{db: database, bus: bus, metrics: metrics, sink: sink}
}

// Run consumes bus events until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	alertCh, unsubAlert := m.bus.Subscribe(events.EventAlert, 64)
	defer unsubAlert()
	connectedCh, unsubConnected := m.bus.Subscribe(events.EventStreamConnected, 64)
	defer unsubConnected()
	disconnectedCh, unsubDisconnected := m.bus.Subscribe(events.EventStreamDisconnect, 64)
	defer unsubDisconnected()
	orderCh, unsubOrder := m.bus.Subscribe(events.EventOrderUpdate, 256)
	defer unsubOrder()
	webhookCh, unsubWebhook := m.bus.Subscribe(events.EventWebhookReceived, 64)
	defer unsubWebhook()

	log.Printf("✓ monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-alertCh:
			if a, ok := p.(events.Alert); ok {
				m.handleAlert(ctx, a)
			}
		case p := <-connectedCh:
			if s, ok := p.(events.StreamStatus); ok {
				m.streamConnected(ctx, s)
			}
		case p := <-disconnectedCh:
			if s, ok := p.(events.StreamStatus); ok {
				m.streamDisconnected(ctx, s)
			}
		case <-orderCh:
			if m.metrics != nil {
				m.metrics.IncrementOrders()
			}
		case <-webhookCh:
			if m.metrics != nil {
				m.metrics.IncrementWebhooks()
			}
		}
	}
}

func (m *Monitor) handleAlert(ctx context.Context, a events.Alert) {
	if m.metrics != nil {
		m.metrics.IncrementErrors()
	}
	m.trackingLog(ctx, a.AccountID, "alert", a.Source+": "+a.Message)
	if m.sink == nil {
		log.Printf("🚨 alert (%s): %s", a.Source, a.Message)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.sink.Send(sendCtx, "["+a.Source+"] "+a.Message); err != nil {
		log.Printf("❌ monitor: deliver alert: %v", err)
	}
}

func (m *Monitor) streamConnected(ctx context.Context, s events.StreamStatus) {
	if _, err := m.db.StartTrackingSession(ctx, s.AccountID, s.Venue); err != nil {
		log.Printf("⚠️ monitor: start tracking session: %v", err)
		return
	}
	m.trackingLog(ctx, s.AccountID, "connected", s.Venue)
}

func (m *Monitor) streamDisconnected(ctx context.Context, s events.StreamStatus) {
	if m.metrics != nil {
		m.metrics.IncrementStreamReconnects()
	}
	session, err := m.db.OpenTrackingSession(ctx, s.AccountID)
	if err == nil {
		if err := m.db.EndTrackingSession(ctx, session.ID); err != nil {
			log.Printf("⚠️ monitor: end tracking session: %v", err)
		}
	}
	m.trackingLog(ctx, s.AccountID, "disconnected", s.Venue)
}

func (m *Monitor) trackingLog(ctx context.Context, accountID int64, event, detail string) {
	var sessionID int64
	if session, err := m.db.OpenTrackingSession(ctx, accountID); err == nil {
		sessionID = session.ID
	}
	if err := m.db.AppendTrackingLog(ctx, db.TrackingLog{
		SessionID: sessionID,
		AccountID: accountID,
		Event:     event,
		Detail:    detail,
	}); err != nil {
		log.Printf("⚠️ monitor: tracking log: %v", err)
	}
}
