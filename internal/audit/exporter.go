// Package audit batches engine results and exports them to a webhook so
// quotes and reconstructions can be audited downstream.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/config"
)

// Kind identifies the operation that produced a record
type Kind string

// Record kinds
const (
	KindRateEstimate     Kind = "rate_estimate"
	KindMortgageEstimate Kind = "mortgage_estimate"
	KindRefinance        Kind = "refinance_evaluation"
)

// Record is one audited engine call
type Record struct {
	Kind       Kind      `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`
	Request    any       `json:"request"`
	Result     any       `json:"result"`
}

// Config holds configuration for audit exporting
type Config struct {
	WebhookURL    string
	WebhookAPIKey string
	BatchSize     int
	Interval      time.Duration
}

// ConfigFrom extracts the audit settings from the service configuration
func ConfigFrom(cfg config.Config) Config {
	return Config{
		WebhookURL:    cfg.AuditWebhookURL,
		WebhookAPIKey: cfg.AuditWebhookAPIKey,
		BatchSize:     cfg.AuditBatchSize,
		Interval:      cfg.AuditInterval,
	}
}

// Status is a snapshot of the exporter
type Status struct {
	Enabled    bool       `json:"enabled"`
	BatchSize  int        `json:"batch_size"`
	Interval   string     `json:"export_interval"`
	Pending    int        `json:"pending"`
	Exported   uint64     `json:"exported"`
	Failed     uint64     `json:"failed"`
	LastExport *time.Time `json:"last_export,omitempty"`
}

// Exporter batches records and posts them to the webhook when the batch is
// full, on every interval, and on Stop. A disabled exporter drops records.
type Exporter struct {
	config     Config
	enabled    bool
	httpClient *http.Client
	now        func() time.Time

	mutex      sync.Mutex
	batch      []Record
	lastExport time.Time
	exported   uint64
	failed     uint64

	inflight sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewExporter creates an exporter. Without a webhook URL it is disabled.
func NewExporter(cfg Config) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	e := &Exporter{
		config:  cfg,
		enabled: cfg.WebhookURL != "",
		now:     time.Now,
	}
	if !e.enabled {
		return e
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = 10 * time.Second
	retryClient.Logger = nil
	e.httpClient = retryClient.StandardClient()
	e.batch = make([]Record, 0, cfg.BatchSize)

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.periodicExport()

	logrus.WithFields(logrus.Fields{
		"batch_size": cfg.BatchSize,
		"interval":   cfg.Interval.String(),
	}).Info("Audit exporter initialized")
	return e
}

// Enabled reports whether records are exported
func (e *Exporter) Enabled() bool {
	return e.enabled
}

// Record queues an engine call for export
func (e *Exporter) Record(kind Kind, request, result any) {
	if !e.enabled {
		return
	}

	e.mutex.Lock()
	e.batch = append(e.batch, Record{
		Kind:       kind,
		RecordedAt: e.now().UTC(),
		Request:    request,
		Result:     result,
	})
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			_ = e.Flush(context.Background())
		}()
	}
}

// periodicExport flushes on every tick until Stop. A flush in progress when
// Stop is called runs to completion; the HTTP client timeout bounds it.
func (e *Exporter) periodicExport() {
	defer close(e.done)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = e.Flush(context.Background())
		case <-e.stop:
			return
		}
	}
}

// Flush exports the pending batch now. A failed batch is dropped and counted.
func (e *Exporter) Flush(ctx context.Context) error {
	if !e.enabled {
		return nil
	}

	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return nil
	}
	records := e.batch
	e.batch = make([]Record, 0, e.config.BatchSize)
	e.mutex.Unlock()

	err := e.exportToWebhook(ctx, records)

	e.mutex.Lock()
	if err != nil {
		e.failed += uint64(len(records))
	} else {
		e.exported += uint64(len(records))
		e.lastExport = e.now()
	}
	e.mutex.Unlock()

	if err != nil {
		logrus.WithError(err).WithField("records", len(records)).Error("Failed to export audit records")
		return err
	}
	logrus.Debugf("Exported %d audit records", len(records))
	return nil
}

func (e *Exporter) exportToWebhook(ctx context.Context, records []Record) error {
	exportData := struct {
		Records    []Record `json:"records"`
		ExportTime string   `json:"export_time"`
		Count      int      `json:"count"`
	}{
		Records:    records,
		ExportTime: e.now().UTC().Format(time.RFC3339),
		Count:      len(records),
	}

	jsonData, err := json.Marshal(exportData)
	if err != nil {
		return fmt.Errorf("failed to marshal audit records: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop halts periodic exports, waits for exports already in flight and
// flushes what is pending. Calling it again is a no-op.
func (e *Exporter) Stop(ctx context.Context) {
	if !e.enabled {
		return
	}
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
	e.inflight.Wait()
	_ = e.Flush(ctx)
}

// Status returns a snapshot of the exporter
func (e *Exporter) Status() Status {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	status := Status{
		Enabled:   e.enabled,
		BatchSize: e.config.BatchSize,
		Interval:  e.config.Interval.String(),
		Pending:   len(e.batch),
		Exported:  e.exported,
		Failed:    e.failed,
	}
	if !e.lastExport.IsZero() {
		last := e.lastExport
		status.LastExport = &last
	}
	return status
}
