package replication

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/placement"
	"github.com/tunnelmesh/blobmesh/internal/record"
)

// defaultMaxReported bounds how many drifted keys a Report carries.
const defaultMaxReported = 1000

// Records iterates the directory.
type Records interface {
	ForEach(fn func(key []byte, rec record.Record) error) error
}

// Placer computes the replica set the current policy wants for a key.
type Placer interface {
	Desired(key []byte) []string
}

// Drift is one record whose replica set differs from its desired placement.
type Drift struct {
	Key     string   `json:"key"`
	Actual  []string `json:"actual"`
	Desired []string `json:"desired"`
}

// Report is the result of a drift scan.
type Report struct {
	Total       int     `json:"total"`
	Drifted     int     `json:"drifted"`
	SoftDeleted int     `json:"soft_deleted"`
	Keys        []Drift `json:"keys,omitempty"`
	// Truncated is set when more keys drifted than Keys holds.
	Truncated bool `json:"truncated,omitempty"`
}

// Rebalancer finds records that need their data moved. It only reports:
// moving object bytes between volumes is left to the operator.
type Rebalancer struct {
	records     Records
	placer      Placer
	metrics     *metrics.DirectoryMetrics
	logger      zerolog.Logger
	maxReported int

	runsTotal atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnScanComplete is called after each background scan.
	OnScanComplete func(Report)
}

// NewRebalancer creates a rebalancer. If m is nil, metrics will not be recorded.
func NewRebalancer(records Records, placer Placer, m *metrics.DirectoryMetrics, logger zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		records:     records,
		placer:      placer,
		metrics:     m,
		logger:      logger.With().Str("component", "rebalancer").Logger(),
		maxReported: defaultMaxReported,
	}
}

// Runs returns how many scans have completed.
func (rb *Rebalancer) Runs() uint64 {
	return rb.runsTotal.Load()
}

// Scan walks every record once and reports drift.
func (rb *Rebalancer) Scan(ctx context.Context) (Report, error) {
	var report Report
	err := rb.records.ForEach(func(key []byte, rec record.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Total++
		if rec.Deleted == record.SoftDeleted {
			report.SoftDeleted++
			return nil
		}

		desired := rb.placer.Desired(key)
		if !placement.NeedsRebalance(rec.Volumes, desired) {
			return nil
		}
		report.Drifted++
		if len(report.Keys) < rb.maxReported {
			report.Keys = append(report.Keys, Drift{
				Key:     string(key),
				Actual:  slices.Clone(rec.Volumes),
				Desired: desired,
			})
		} else {
			report.Truncated = true
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	rb.runsTotal.Add(1)
	rb.metrics.SetRebalanceKeys(report.Total, report.Drifted, report.SoftDeleted)
	rb.logger.Info().
		Int("total", report.Total).
		Int("drifted", report.Drifted).
		Int("soft_deleted", report.SoftDeleted).
		Msg("Rebalance scan completed")
	return report, nil
}

// Start runs Scan every interval until Stop is called.
func (rb *Rebalancer) Start(interval time.Duration) {
	rb.ctx, rb.cancel = context.WithCancel(context.Background())
	rb.wg.Add(1)
	go rb.run(interval)
	rb.logger.Info().Dur("interval", interval).Msg("Rebalancer started")
}

// Stop stops the background scan and waits for it to exit. It is a no-op
// if Start was never called.
func (rb *Rebalancer) Stop() {
	if rb.cancel == nil {
		return
	}
	rb.cancel()
	rb.wg.Wait()
	rb.logger.Info().Msg("Rebalancer stopped")
}

func (rb *Rebalancer) run(interval time.Duration) {
	defer rb.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
			report, err := rb.Scan(rb.ctx)
			if err != nil {
				if rb.ctx.Err() == nil {
					rb.logger.Warn().Err(err).Msg("Rebalance scan failed")
				}
				continue
			}
			if rb.OnScanComplete != nil {
				rb.OnScanComplete(report)
			}
		}
	}
}
