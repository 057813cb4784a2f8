/*
audit.go - Periodic balance audit

PURPOSE:
  Mutations report a negative balance when they cause one, but a history
  can also be left inconsistent by imports, unit relabels or direct store
  edits. The auditor re-folds every item on a fixed interval and keeps the
  last report for the UI.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on Start
  - Never writes to the ledger; it only reads and reports
  - A failed pass is counted and logged, not fatal

CONFIGURATION:
  - Interval: How often to check (default: 1 hour, audit.interval)
  - Enabled: Whether the auditor is active (audit.interval > 0)

USAGE:
  auditor := NewBalanceAuditor(service, log)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - server.go: /api/audit routes
  - inventory/balance.go: Balance.Advisory
*/
package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/stash-ledger/inventory"
)

// AuditRecorder receives the outcome of each audit run. metrics.Collectors
// implements it.
type AuditRecorder interface {
	AuditCompleted(items, inconsistent, incomplete int)
}

// AuditReport summarizes one pass over every item.
type AuditReport struct {
	RanAt        time.Time
	Items        int
	Inconsistent []inventory.ItemID // folded below zero
	Incomplete   map[inventory.ItemID]int
	Failed       int
}

// BalanceAuditor re-folds every item on a timer.
type BalanceAuditor struct {
	Service  *inventory.Service
	Log      logrus.FieldLogger
	Metrics  AuditRecorder
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *AuditReport
	now    func() time.Time
}

// NewBalanceAuditor creates an auditor with a one hour interval.
func NewBalanceAuditor(svc *inventory.Service, log logrus.FieldLogger) *BalanceAuditor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BalanceAuditor{
		Service:  svc,
		Log:      log.WithField("component", "audit"),
		Interval: time.Hour,
		Enabled:  true,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the periodic audit.
func (a *BalanceAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled || a.Interval <= 0 {
		a.Log.Info("disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.Interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.Log.WithField("interval", a.Interval.String()).Info("started")
}

// Stop stops the auditor and waits for a running pass to finish.
func (a *BalanceAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.Log.Info("stopped")
}

func (a *BalanceAuditor) run() {
	defer a.wg.Done()

	a.RunNow(context.Background())
	for {
		select {
		case <-a.ticker.C:
			a.RunNow(context.Background())
		case <-a.stop:
			return
		}
	}
}

// RunNow audits every item immediately and stores the report.
func (a *BalanceAuditor) RunNow(ctx context.Context) AuditReport {
	report := AuditReport{
		RanAt:      a.now(),
		Incomplete: make(map[inventory.ItemID]int),
	}

	items, err := a.Service.ListItems(ctx)
	if err != nil {
		a.Log.WithError(err).Error("listing items failed")
		report.Failed++
		a.finish(report)
		return report
	}

	for _, item := range items {
		report.Items++
		bal := item.Balance()
		if adv := bal.Advisory(); adv != nil {
			report.Inconsistent = append(report.Inconsistent, item.ID)
			a.Log.WithFields(logrus.Fields{
				"item_id": item.ID,
				"balance": bal.Amount.String(),
			}).Warn(adv.Error())
		}
		if n := len(bal.Incomplete); n > 0 {
			report.Incomplete[item.ID] = n
		}
	}
	sort.Slice(report.Inconsistent, func(i, j int) bool { return report.Inconsistent[i] < report.Inconsistent[j] })

	a.finish(report)
	return report
}

func (a *BalanceAuditor) finish(report AuditReport) {
	a.lastMu.Lock()
	a.last = &report
	a.lastMu.Unlock()

	if a.Metrics != nil {
		a.Metrics.AuditCompleted(report.Items, len(report.Inconsistent), len(report.Incomplete))
	}
	a.Log.WithFields(logrus.Fields{
		"items":        report.Items,
		"inconsistent": len(report.Inconsistent),
		"incomplete":   len(report.Incomplete),
		"failed":       report.Failed,
	}).Info("audit completed")
}

// Last returns the most recent report, if any.
func (a *BalanceAuditor) Last() (AuditReport, bool) {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	if a.last == nil {
		return AuditReport{}, false
	}
	return *a.last, true
}

// NextRunTime returns when the next scheduled check will occur.
func (a *BalanceAuditor) NextRunTime() time.Time {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	if a.last == nil {
		return a.now()
	}
	return a.last.RanAt.Add(a.Interval)
}

// =============================================================================
// HANDLERS
// =============================================================================

// GetAudit returns the last audit report, running one if none exists yet.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	report, ok := h.Audit.Last()
	if !ok {
		report = h.Audit.RunNow(r.Context())
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report, h.Audit))
}

// RunAudit runs an audit immediately.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report := h.Audit.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toAuditDTO(report, h.Audit))
}

func toAuditDTO(r AuditReport, a *BalanceAuditor) AuditDTO {
	dto := AuditDTO{
		RanAt:        r.RanAt.UTC().Format(time.RFC3339),
		Items:        r.Items,
		Inconsistent: make([]string, 0, len(r.Inconsistent)),
		Incomplete:   make(map[string]int, len(r.Incomplete)),
		Failed:       r.Failed,
	}
	if a.Enabled && a.Interval > 0 {
		dto.NextRunAt = a.NextRunTime().UTC().Format(time.RFC3339)
	}
	for _, id := range r.Inconsistent {
		dto.Inconsistent = append(dto.Inconsistent, string(id))
	}
	for id, n := range r.Incomplete {
		dto.Incomplete[string(id)] = n
	}
	return dto
}
