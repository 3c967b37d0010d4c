package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transitdelay.dev/gtfs/model"
)

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
}

// Publishes stop delay records to NATS, one message per record on
// <subject>.<route_id>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	metrics Metrics
	logger  *slog.Logger
}

func NewNATSPublisher(url, subject string, m Metrics, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("gtfs-delays"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &NATSPublisher{nc: nc, subject: subject, metrics: m, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type DelayMessage struct {
	TripID             string     `json:"tripId"`
	StopID             string     `json:"stopId"`
	RouteID            string     `json:"routeId"`
	StopSequence       uint32     `json:"stopSequence"`
	ActualArrival      *time.Time `json:"actualArrival,omitempty"`
	ActualArrivalLocal string     `json:"actualArrivalLocal,omitempty"`
	ScheduledArrival   string     `json:"scheduledArrival,omitempty"`
	DelaySeconds       *int32     `json:"delaySeconds,omitempty"`
	BusID              string     `json:"busId,omitempty"`
}

func NewDelayMessage(d model.StopDelay) DelayMessage {
	return DelayMessage{
		TripID:             d.TripID,
		StopID:             d.StopID,
		RouteID:            d.RouteID,
		StopSequence:       d.StopSequence,
		ActualArrival:      d.ActualArrival,
		ActualArrivalLocal: d.ActualArrivalLocal,
		ScheduledArrival:   d.ScheduledArrival,
		DelaySeconds:       d.DelaySeconds,
		BusID:              d.BusID,
	}
}

func Subject(prefix, routeID string) string {
	return fmt.Sprintf("%s.%s", prefix, subjectToken(routeID))
}

// Publishes each delay. Failures are counted and returned, but don't
// stop the remaining records from being sent.
func (p *NATSPublisher) PublishDelays(ctx context.Context, delays []model.StopDelay) error {
	failed := 0
	var firstErr error

	for _, d := range delays {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b, err := json.Marshal(NewDelayMessage(d))
		if err == nil {
			err = p.nc.Publish(Subject(p.subject, d.RouteID), b)
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			if p.metrics != nil {
				p.metrics.NATSPublishErrInc()
			}
			continue
		}
		if p.metrics != nil {
			p.metrics.NATSPublishedInc()
		}
	}

	if firstErr != nil {
		return fmt.Errorf("%d of %d publishes failed: %w", failed, len(delays), firstErr)
	}

	return p.nc.FlushWithContext(ctx)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
