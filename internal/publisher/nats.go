package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subject string, logger *slog.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs-reconciler"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Debug("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// RunSummary announces a finished service-day run to downstream consumers.
type RunSummary struct {
	RunID        string    `json:"runId"`
	ServiceDate  string    `json:"serviceDate"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Files        int       `json:"files"`
	FailedFiles  int       `json:"failedFiles"`
	Reports      int       `json:"reports"`
	Visits       int       `json:"visits"`
	Segments     int       `json:"segments"`
	MeanOffset   float64   `json:"meanOffsetSec"`
	DryRun       bool      `json:"dryRun,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationSecs float64   `json:"durationSec"`
}

// PublishRun sends the summary on <subject>.<status> and waits for the
// server to acknowledge the flush.
func (p *NATSPublisher) PublishRun(s RunSummary) error {
	subject := Subject(p.subject, s.Status)
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if err == nil {
		err = p.nc.FlushTimeout(5 * time.Second)
	}
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("run summary published", "subject", subject, "run_id", s.RunID)
	return nil
}

func Subject(prefix, status string) string {
	return fmt.Sprintf("%s.%s", strings.TrimSuffix(prefix, "."), subjectToken(status))
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
