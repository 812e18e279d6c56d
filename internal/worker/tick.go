package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sushiamo/desktop-bridge/internal/escpos"
	"github.com/sushiamo/desktop-bridge/internal/fpmate"
	"github.com/sushiamo/desktop-bridge/internal/routing"
	"github.com/sushiamo/desktop-bridge/internal/session"
	"github.com/sushiamo/desktop-bridge/internal/supabase"
	"github.com/sushiamo/desktop-bridge/internal/transport"
)

// runTick executes one full pump cycle: sign-in, heartbeat, then the
// three job families in order. Per-job failures are acked and never
// abort the tick; a tick-level failure lands in lastError.
func (w *Worker) runTick(ctx context.Context) {
	w.mu.Lock()
	if w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	cfg := w.cfg
	snap := w.snapshot
	w.mu.Unlock()

	tickErr := w.tick(ctx, cfg, snap)

	w.mu.Lock()
	w.processing = false
	at := w.now()
	w.stats.LastRunAt = &at
	if tickErr != nil {
		w.stats.LastError = transport.Excerpt(tickErr.Error(), 500)
	} else {
		w.stats.LastError = ""
	}
	w.mu.Unlock()

	if tickErr != nil {
		w.logf("ERROR", "Tick failed: %v", tickErr)
	}
	w.broadcast()
}

func (w *Worker) tick(ctx context.Context, cfg AgentConfig, snap session.Snapshot) error {
	if !w.client.Configured() {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, supabase.ErrNotConfigured)
	}

	user, _, err := w.sessions.EnsureSignedIn(ctx, snap)
	if err != nil {
		return err
	}

	scope, settings, err := w.ensureScope(ctx, user)
	if err != nil {
		return err
	}
	if scope == nil {
		w.logf("WARN", "No restaurant scope for %s; nothing to print", user.Email)
		return nil
	}

	w.heartbeat(ctx, scope.ID, cfg)

	if err := w.pumpKitchen(ctx, cfg, scope.ID, settings); err != nil {
		return err
	}
	w.pumpFiscal(ctx, cfg, scope.ID)
	w.pumpNonFiscal(ctx, cfg, scope.ID)
	return nil
}

// ensureScope resolves (and caches) the restaurant scope for the current
// user. A changed user invalidates the cache.
func (w *Worker) ensureScope(ctx context.Context, user *supabase.User) (*session.Scope, map[string]interface{}, error) {
	w.mu.Lock()
	cached := w.auth
	w.mu.Unlock()

	if cached != nil && cached.user != nil && cached.user.ID == user.ID && cached.scope != nil {
		return cached.scope, cached.settings, nil
	}

	scope, settings, err := w.sessions.ResolveRestaurant(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	w.auth = &authState{user: user, scope: scope, settings: settings}
	w.mu.Unlock()
	w.broadcast()

	if scope != nil {
		w.logf("INFO", "Operating for %s (%s, role %s)", scope.Name, scope.ID, scope.Role)
	}
	return scope, settings, nil
}

// liveRoutes refetches the restaurant settings so mid-run printer table
// edits apply, falling back to the cached settings on error.
func (w *Worker) liveRoutes(ctx context.Context, restaurantID string, cachedSettings map[string]interface{}) *routing.Routes {
	rest, err := w.fetchRestaurant(ctx, restaurantID)
	if err != nil || rest == nil {
		if err != nil {
			w.logf("WARN", "Failed to refresh printer table: %v", err)
		}
		return routing.ParseSettings(cachedSettings)
	}

	w.mu.Lock()
	if w.auth != nil {
		w.auth.settings = rest.Settings
	}
	w.mu.Unlock()
	return routing.ParseSettings(rest.Settings)
}

// --- Kitchen family ---

func (w *Worker) pumpKitchen(ctx context.Context, cfg AgentConfig, restaurantID string, settings map[string]interface{}) error {
	jobs, err := w.client.ClaimPrintJobs(ctx, restaurantID, cfg.ConsumerID, cfg.ClaimLimit)
	if err != nil {
		return fmt.Errorf("claim kitchen jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	w.countClaimed(familyKitchen, len(jobs))
	w.logf("INFO", "Claimed %d kitchen job(s)", len(jobs))

	routes := w.liveRoutes(ctx, restaurantID, settings)
	for i := range jobs {
		w.processKitchenJob(ctx, cfg, routes, &jobs[i])
	}
	return nil
}

func (w *Worker) processKitchenJob(ctx context.Context, cfg AgentConfig, routes *routing.Routes, job *supabase.Job) {
	target, data, err := prepareKitchenJob(routes, job)

	meta := map[string]interface{}{"runId": w.currentRunID()}
	if err == nil {
		meta["printerId"] = target.ID
		meta["printerHost"] = target.Host
		meta["printerPort"] = target.Port
		err = transport.WithRetry(ctx, func() error {
			return w.sendTCP(ctx, target.Host, target.Port, data)
		})
	}

	w.ackKitchen(ctx, cfg, job.ID, err, meta)
}

// prepareKitchenJob resolves the route and renders the ticket; split out
// so ack handling stays in one place.
func prepareKitchenJob(routes *routing.Routes, job *supabase.Job) (routing.Target, []byte, error) {
	target, err := routes.Resolve(job.Route, job.Department)
	if err != nil {
		return routing.Target{}, nil, err
	}
	ticket := ticketFromJob(job)
	return target, escpos.RenderTicket(ticket), nil
}

func (w *Worker) ackKitchen(ctx context.Context, cfg AgentConfig, jobID string, jobErr error, meta map[string]interface{}) {
	success := jobErr == nil
	errMsg := ""
	if jobErr != nil {
		errMsg = transport.Excerpt(jobErr.Error(), 500)
		w.countFailed(familyKitchen)
		w.logf("ERROR", "Kitchen job %s failed: %s", jobID, errMsg)
	} else {
		w.countPrinted(familyKitchen)
	}

	if err := w.client.CompletePrintJob(ctx, jobID, cfg.ConsumerID, success, errMsg, meta); err != nil {
		w.logf("ERROR", "Failed to ack kitchen job %s: %v", jobID, err)
	}
}

func ticketFromJob(job *supabase.Job) escpos.Ticket {
	p := job.Payload
	ticket := escpos.Ticket{
		RestaurantName: payloadString(p, "restaurant_name"),
		Department:     job.Department,
		TableNumber:    payloadString(p, "table_number"),
		OrderNumber:    payloadInt(p, "order_number"),
	}
	if raw := payloadString(p, "created_at"); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			ticket.CreatedAt = at
		}
	}
	if items, ok := p["items"].([]interface{}); ok {
		for _, rawItem := range items {
			entry, ok := rawItem.(map[string]interface{})
			if !ok {
				continue
			}
			item := escpos.Item{
				Name:     payloadString(entry, "name"),
				Quantity: payloadInt(entry, "quantity"),
				Notes:    payloadString(entry, "notes"),
			}
			if item.Quantity == 0 {
				item.Quantity = 1
			}
			ticket.Items = append(ticket.Items, item)
		}
	}
	return ticket
}

// --- Fiscal family ---

func (w *Worker) pumpFiscal(ctx context.Context, cfg AgentConfig, restaurantID string) {
	if !w.familyAvailable(&w.physicalReceiptRPC) {
		return
	}

	jobs, err := w.client.ClaimPhysicalReceiptJobs(ctx, restaurantID, cfg.ConsumerID, cfg.ClaimLimit)
	if err != nil {
		w.handleFamilyError(familyFiscal, "physical_receipt_claim_jobs", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.countClaimed(familyFiscal, len(jobs))
	w.logf("INFO", "Claimed %d fiscal receipt job(s)", len(jobs))
	for i := range jobs {
		w.processFiscalJob(ctx, cfg, &jobs[i])
	}
}

func (w *Worker) processFiscalJob(ctx context.Context, cfg AgentConfig, job *supabase.Job) {
	receiptID := ""
	meta := map[string]interface{}{"runId": w.currentRunID()}

	dev, reqErr := fiscalDeviceFromPayload(job.Payload)
	var err error
	if reqErr != nil {
		err = reqErr
	} else {
		meta["rtHost"] = dev.Host
		meta["rtPort"] = dev.Port
		doc := fpmate.BuildReceipt(fpmate.ReceiptRequest{
			TableNumber:   payloadString(job.Payload, "table_number"),
			TotalAmount:   payloadFloat(job.Payload, "total_amount"),
			PaymentMethod: payloadString(job.Payload, "payment_method"),
		})
		err = transport.WithRetry(ctx, func() error {
			id, postErr := w.postFiscal(ctx, dev, doc, transport.FiscalTimeout)
			if postErr == nil {
				receiptID = id
			}
			return postErr
		})
		if err == nil && receiptID == "" {
			receiptID = fpmate.FallbackReceiptID(job.ID, w.now())
		}
	}

	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = transport.Excerpt(err.Error(), 500)
		w.countFailed(familyFiscal)
		w.logf("ERROR", "Fiscal job %s failed: %s", job.ID, errMsg)
	} else {
		w.countPrinted(familyFiscal)
	}

	ackErr := w.client.CompletePhysicalReceiptJob(ctx, job.ID, cfg.ConsumerID, success, receiptID, errMsg, meta)
	if ackErr != nil {
		w.handleFamilyError(familyFiscal, "physical_receipt_complete_job", ackErr)
	}
}

// --- Non-fiscal family ---

func (w *Worker) pumpNonFiscal(ctx context.Context, cfg AgentConfig, restaurantID string) {
	if !w.familyAvailable(&w.nonFiscalReceiptRPC) {
		return
	}

	jobs, err := w.client.ClaimNonFiscalReceiptJobs(ctx, restaurantID, cfg.ConsumerID, cfg.ClaimLimit)
	if err != nil {
		w.handleFamilyError(familyNonFiscal, "non_fiscal_receipt_claim_jobs", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.countClaimed(familyNonFiscal, len(jobs))
	w.logf("INFO", "Claimed %d courtesy receipt job(s)", len(jobs))
	for i := range jobs {
		w.processNonFiscalJob(ctx, cfg, &jobs[i])
	}
}

func (w *Worker) processNonFiscalJob(ctx context.Context, cfg AgentConfig, job *supabase.Job) {
	meta := map[string]interface{}{"runId": w.currentRunID()}

	host, port, reqErr := printerFromPayload(job.Payload)
	var err error
	if reqErr != nil {
		err = reqErr
	} else {
		meta["printerHost"] = host
		meta["printerPort"] = port
		receipt := escpos.Receipt{
			RestaurantName: payloadString(job.Payload, "restaurant_name"),
			Ayce:           payloadFloat(job.Payload, "ayce_amount"),
			Cover:          payloadFloat(job.Payload, "cover_amount"),
			Extra:          payloadFloat(job.Payload, "extra_amount"),
			Total:          payloadFloat(job.Payload, "total_amount"),
			PaymentMethod:  payloadString(job.Payload, "payment_method"),
		}
		err = transport.WithRetry(ctx, func() error {
			return w.sendTCP(ctx, host, port, escpos.RenderReceipt(receipt))
		})
	}

	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = transport.Excerpt(err.Error(), 500)
		w.countFailed(familyNonFiscal)
		w.logf("ERROR", "Courtesy receipt job %s failed: %s", job.ID, errMsg)
	} else {
		w.countPrinted(familyNonFiscal)
	}

	ackErr := w.client.CompleteNonFiscalReceiptJob(ctx, job.ID, cfg.ConsumerID, success, errMsg, meta)
	if ackErr != nil {
		w.handleFamilyError(familyNonFiscal, "non_fiscal_receipt_complete_job", ackErr)
	}
}

// --- Shared helpers ---

func (w *Worker) familyAvailable(flag *bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *flag
}

// handleFamilyError flips the family's availability flag on a missing
// backend function; other errors just log. The flip is one-way for the
// life of the service run.
func (w *Worker) handleFamilyError(family, fn string, err error) {
	if !supabase.IsFunctionMissing(err, fn) {
		w.logf("ERROR", "%s family error: %v", family, err)
		return
	}

	w.mu.Lock()
	var flag *bool
	switch family {
	case familyFiscal:
		flag = &w.physicalReceiptRPC
	case familyNonFiscal:
		flag = &w.nonFiscalReceiptRPC
	}
	flip := flag != nil && *flag
	if flip {
		*flag = false
	}
	w.mu.Unlock()

	if flip {
		w.logf("WARN", "Backend function %s is missing; disabling the %s family for this run", fn, family)
		w.broadcast()
	}
}

func (w *Worker) currentRunID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runID
}

func (w *Worker) countClaimed(family string, n int) {
	w.mu.Lock()
	w.stats.Claimed += n
	w.mu.Unlock()
	metricJobsClaimed.WithLabelValues(family).Add(float64(n))
}

func (w *Worker) countPrinted(family string) {
	w.mu.Lock()
	w.stats.Printed++
	w.mu.Unlock()
	metricJobsPrinted.WithLabelValues(family).Inc()
}

func (w *Worker) countFailed(family string) {
	w.mu.Lock()
	w.stats.Failed++
	w.mu.Unlock()
	metricJobsFailed.WithLabelValues(family).Inc()
}

// fiscalDeviceFromPayload reads the embedded route of a fiscal job.
func fiscalDeviceFromPayload(payload map[string]interface{}) (transport.Device, error) {
	route, _ := payload["route"].(map[string]interface{})
	host, _ := route["host"].(string)
	if host == "" {
		return transport.Device{}, ErrRTHostMissing
	}
	brand, _ := route["brand"].(string)
	apiPath, _ := route["api_path"].(string)
	return fiscalDevice(host, route["port"], brand, apiPath), nil
}

func fiscalDevice(host string, port interface{}, brand, apiPath string) transport.Device {
	if apiPath == "" {
		if brand == "" || brand == "epson" {
			apiPath = fpmate.DefaultAPIPath
		} else {
			apiPath = "/"
		}
	}
	return transport.Device{
		Host:    host,
		Port:    routing.SanitizePortDefault(port, fpmate.DefaultPort),
		APIPath: apiPath,
	}
}

// printerFromPayload reads the embedded route of a courtesy receipt job.
func printerFromPayload(payload map[string]interface{}) (string, int, error) {
	route, _ := payload["route"].(map[string]interface{})
	host, _ := route["host"].(string)
	if host == "" {
		return "", 0, routing.ErrNoPrinterHost
	}
	return host, routing.SanitizePort(route["port"]), nil
}

func payloadString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func payloadInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func payloadFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
