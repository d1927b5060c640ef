package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/metrics"
	"github.com/walrusec/browser-timeliner/internal/model"
)

// Default subjects
const (
	SubjectResults   = "timeliner.results"
	SubjectAnomalies = "timeliner.anomalies"
)

// ErrNotConnected is returned when the NATS connection is unavailable
var ErrNotConnected = errors.New("NATS connection not available")

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	IsConnected() bool
}

// Publisher sends analysis results to NATS
type Publisher struct {
	conn    Conn
	subject string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a publisher. An empty subject uses SubjectResults.
func NewPublisher(conn Conn, subject string, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = SubjectResults
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		metrics: m,
		logger:  logging.OrDiscard(logger),
	}
}

// Publish sends the whole result as one JSON message
func (p *Publisher) Publish(ctx context.Context, result *model.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn == nil || !p.conn.IsConnected() {
		p.metrics.IncrementPublishErrors()
		return ErrNotConnected
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-profile", result.Profile)
	headers.Set("x-browser", result.Browser)
	headers.Set("x-visits", strconv.Itoa(result.Summary.Visits))
	headers.Set("x-anomalies", strconv.Itoa(result.Summary.Anomalies))

	msg := &nats.Msg{Subject: p.subject, Data: data, Header: headers}
	if err := p.conn.PublishMsg(msg); err != nil {
		p.metrics.IncrementPublishErrors()
		return fmt.Errorf("failed to publish result: %w", err)
	}

	p.logger.Info("Published analysis result",
		"subject", p.subject,
		"profile", result.Profile,
		"anomalies", result.Summary.Anomalies,
		"bytes", len(data))
	return nil
}

// PublishAnomalies sends each anomaly on SubjectAnomalies.<severity>. It keeps
// going after a failed message and returns the joined errors.
func (p *Publisher) PublishAnomalies(ctx context.Context, result *model.AnalysisResult) error {
	if p.conn == nil || !p.conn.IsConnected() {
		p.metrics.IncrementPublishErrors()
		return ErrNotConnected
	}

	var errs []error
	sent := 0
	for _, a := range result.Anomalies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		data, err := json.Marshal(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("anomaly %s: %w", a.ID, err))
			continue
		}

		headers := nats.Header{}
		headers.Set("x-anomaly-id", a.ID)
		headers.Set("x-heuristic", a.Heuristic)
		headers.Set("x-severity", string(a.Severity))
		headers.Set("x-profile", result.Profile)

		msg := &nats.Msg{Subject: SubjectAnomalies + "." + string(a.Severity), Data: data, Header: headers}
		if err := p.conn.PublishMsg(msg); err != nil {
			p.metrics.IncrementPublishErrors()
			errs = append(errs, fmt.Errorf("anomaly %s: %w", a.ID, err))
			continue
		}
		sent++
	}

	p.logger.Info("Published anomalies", "sent", sent, "failed", len(errs))
	return errors.Join(errs...)
}
