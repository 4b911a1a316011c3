package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Search kinds, used as the last subject token.
const (
	KindNearbyStops  = "nearby_stops"
	KindNearbyRoutes = "nearby_routes"
	KindStopList     = "stop_list_routes"
)

// SearchEvent summarises one completed search.
type SearchEvent struct {
	SearchID        string    `json:"searchId"`
	Kind            string    `json:"kind"`
	Strategy        string    `json:"strategy,omitempty"`
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	MaxDistance     float64   `json:"maxDistance"`
	Limit           int       `json:"limit"`
	Stops           int       `json:"stops"`
	Routes          int       `json:"routes"`
	TotalDepartures int       `json:"totalDepartures"`
	Cached          bool      `json:"cached"`
	DurationMs      float64   `json:"durationMs"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher emits search events.
type Publisher interface {
	PublishSearch(ev SearchEvent) error
	Close()
}

// NopPublisher discards events. Used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) PublishSearch(SearchEvent) error { return nil }
func (NopPublisher) Close() {}

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher publishes search events as JSON on <subject>.<kind>.
type NATSPublisher struct {
	nc      natsConn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to url. Reconnects are handled by the client.
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("spotplots-transit-api"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
	p.nc.Close()
}

// PublishSearch publishes ev. The client buffers writes, so this does not
// wait for the server.
func (p *NATSPublisher) PublishSearch(ev SearchEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode search event: %w", err)
	}
	subject := Subject(p.subject, ev.Kind)
	if err := p.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subject joins base and kind into a valid NATS subject.
func Subject(base, kind string) string {
	return fmt.Sprintf("%s.%s", strings.TrimSuffix(base, "."), subjectToken(kind))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
