// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drift

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

var tracer = otel.Tracer("aleutian.mlops.drift")

// CheckpointKey holds the last scanned window end.
const CheckpointKey = "ckpt/drift/window_end"

// DefaultScanInterval is how often Run scans.
const DefaultScanInterval = 5 * time.Minute

// ConsecutiveToRetrain detections in a row trigger retraining.
const ConsecutiveToRetrain = 2

// RetrainReason is passed to the Retrainer.
const RetrainReason = "drift"

// Retrainer starts a retrain. It must not block.
type Retrainer func(reason string)

// Scanner runs the detector on a schedule and acts on its reports.
//
// Thread Safety: Safe for concurrent use. Scans are serialized.
type Scanner struct {
	det      *Detector
	interval time.Duration
	retrain  Retrainer
	bus      events.Publisher
	db       *store.DB
	logger   *slog.Logger

	mu          sync.Mutex
	lastEnd     time.Time
	consecutive int
	latest      *datatypes.DriftReport
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetrainer sets the retrain callback.
func WithRetrainer(r Retrainer) ScannerOption { return func(s *Scanner) { s.retrain = r } }

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) ScannerOption { return func(s *Scanner) { s.bus = p } }

// WithCheckpointStore persists the last scanned window end so a restart
// does not rescan the same window.
func WithCheckpointStore(db *store.DB) ScannerOption { return func(s *Scanner) { s.db = db } }

// WithScannerLogger sets the logger.
func WithScannerLogger(l *slog.Logger) ScannerOption { return func(s *Scanner) { s.logger = l } }

// NewScanner creates a scanner over det.
func NewScanner(det *Detector, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		det:      det,
		interval: DefaultScanInterval,
		retrain:  func(string) {},
		bus:      events.Discard{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Latest returns the most recent report.
func (s *Scanner) Latest() (datatypes.DriftReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return datatypes.DriftReport{}, false
	}
	return *s.latest, true
}

// Restore reads the persisted window end.
func (s *Scanner) Restore(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	var end time.Time
	err := s.db.GetJSON(ctx, CheckpointKey, &end)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastEnd = end
	s.mu.Unlock()
	return nil
}

// Scan runs one detection.
//
// Description:
//
//	A window whose end equals the last scanned end is skipped and the
//	previous report is returned with skipped=true. Two consecutive
//	detections call the Retrainer once and reset the streak; a single
//	detection publishes a warning only. A non-detection resets the
//	streak.
//
// Outputs:
//
//	datatypes.DriftReport - The report.
//	bool - True when the window was already scanned.
//	error - *datatypes.DriftDetectionError when there is too little data.
func (s *Scanner) Scan(ctx context.Context) (datatypes.DriftReport, bool, error) {
	ctx, span := tracer.Start(ctx, "drift.Scan")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.det.Detect(ctx)
	if err != nil {
		var dde *datatypes.DriftDetectionError
		if errors.As(err, &dde) {
			s.logger.Info("drift scan deferred",
				slog.String("reason", dde.Reason),
				slog.Time("window_end", dde.WindowEnd),
			)
		}
		telemetry.RecordError(span, err)
		return datatypes.DriftReport{}, false, err
	}
	span.SetAttributes(
		attribute.Float64("confidence", report.Confidence),
		attribute.Bool("detected", report.Detected),
	)

	if !s.lastEnd.IsZero() && report.Window.End.Equal(s.lastEnd) {
		if s.latest != nil {
			return *s.latest, true, nil
		}
		return report, true, nil
	}

	if report.Detected {
		s.consecutive++
	} else {
		s.consecutive = 0
	}
	report.Consecutive = s.consecutive

	if report.Detected {
		attrs := []any{
			slog.Float64("confidence", report.Confidence),
			slog.Any("features", report.Features),
			slog.Int("consecutive", s.consecutive),
			slog.Time("window_start", report.Window.Start),
			slog.Time("window_end", report.Window.End),
		}
		if s.consecutive >= ConsecutiveToRetrain {
			report.RetrainTriggered = true
			s.consecutive = 0
			s.logger.Warn("drift confirmed, retraining", attrs...)
			s.publish(events.SeverityCritical, "drift_confirmed", report)
			s.retrain(RetrainReason)
		} else {
			s.logger.Warn("drift detected", attrs...)
			s.publish(events.SeverityWarning, "drift_detected", report)
		}
	}

	s.lastEnd = report.Window.End
	s.latest = &report
	if s.db != nil {
		if err := s.db.PutJSON(ctx, CheckpointKey, s.lastEnd); err != nil {
			s.logger.Warn("drift checkpoint not saved", slog.String("error", err.Error()))
		}
	}
	return report, false, nil
}

func (s *Scanner) publish(sev events.Severity, typ string, r datatypes.DriftReport) {
	s.bus.Publish(events.Event{
		Severity:  sev,
		Component: "drift",
		Type:      typ,
		Message:   "distribution shift in " + featureList(r.Features),
		Values: map[string]float64{
			"confidence":  r.Confidence,
			"consecutive": float64(r.Consecutive),
		},
		Labels: map[string]string{
			"features":   strings.Join(r.Features, ","),
			"window_end": r.Window.End.Format(time.RFC3339Nano),
		},
	})
}

func featureList(fs []string) string {
	if len(fs) == 0 {
		return "unlisted features"
	}
	return strings.Join(fs, ", ")
}

// Run scans every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = s.Scan(ctx)
		}
	}
}
