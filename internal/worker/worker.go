package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sushiamo/desktop-bridge/internal/discovery"
	"github.com/sushiamo/desktop-bridge/internal/fpmate"
	"github.com/sushiamo/desktop-bridge/internal/session"
	"github.com/sushiamo/desktop-bridge/internal/supabase"
	"github.com/sushiamo/desktop-bridge/internal/transport"
)

// Operational error codes surfaced to the shell.
var (
	ErrWorkerUnavailable = errors.New("PRINT_WORKER_UNAVAILABLE")
	ErrRTHostMissing     = errors.New("PHYSICAL_RT_HOST_MISSING")
)

// ServiceState is the service-loop slice of the public state.
type ServiceState struct {
	Running           bool   `json:"running"`
	Processing        bool   `json:"processing"`
	AssignedPrinterID string `json:"assignedPrinterId"`
	RunID             string `json:"runId"`
}

// RuntimeStats counts job outcomes across one service run.
type RuntimeStats struct {
	Claimed   int        `json:"claimed"`
	Printed   int        `json:"printed"`
	Failed    int        `json:"failed"`
	LastRunAt *time.Time `json:"lastRunAt"`
	LastError string     `json:"lastError"`
}

// RPCAvailability tracks which optional backend job families exist.
type RPCAvailability struct {
	PhysicalReceipt  bool `json:"physicalReceipt"`
	NonFiscalReceipt bool `json:"nonFiscalReceipt"`
}

// PublicState is the full snapshot pushed to the shell after every
// mutation.
type PublicState struct {
	Config     AgentConfig     `json:"config"`
	SignedIn   bool            `json:"signedIn"`
	User       *supabase.User  `json:"user,omitempty"`
	Restaurant *session.Scope  `json:"restaurant,omitempty"`
	Service    ServiceState    `json:"service"`
	Stats      RuntimeStats    `json:"stats"`
	RPC        RPCAvailability `json:"rpc"`
}

type authState struct {
	user     *supabase.User
	scope    *session.Scope
	settings map[string]interface{}
}

// Worker is the process singleton owning all mutable bridge state.
type Worker struct {
	appVersion string

	mu       sync.Mutex
	cfg      AgentConfig
	snapshot session.Snapshot
	auth     *authState

	running           bool
	processing        bool
	assignedPrinterID string
	runID             string
	stopCh            chan struct{}
	doneCh            chan struct{}

	stats               RuntimeStats
	physicalReceiptRPC  bool
	nonFiscalReceiptRPC bool

	persist  *Store
	client   *supabase.Client
	sessions *session.Manager
	logs     *logRing

	stateSubs   map[int]chan PublicState
	nextStateID int

	// I/O seams, swapped in tests.
	sendTCP          func(ctx context.Context, host string, port int, data []byte) error
	postFiscal       func(ctx context.Context, dev transport.Device, doc string, timeout time.Duration) (string, error)
	scanPrinters     func(ctx context.Context, timeoutMs int) ([]discovery.Printer, error)
	scanRTDevices    func(ctx context.Context, timeoutMs int) ([]discovery.RTDevice, error)
	fetchRestaurant  func(ctx context.Context, id string) (*supabase.Restaurant, error)
	now              func() time.Time
}

// New builds the worker from the bridge config, loading persisted state
// from the data dir.
func New(bridge BridgeConfig, appVersion string) *Worker {
	store := NewStore(bridge.DataDir)
	persisted := store.Load()

	client := supabase.New(bridge.SupabaseURL, bridge.SupabaseAnonKey)

	w := &Worker{
		appVersion:          appVersion,
		cfg:                 persisted.Config,
		snapshot:            persisted.Session,
		physicalReceiptRPC:  true,
		nonFiscalReceiptRPC: true,
		persist:             store,
		client:              client,
		logs:                newLogRing(),
		stateSubs:           make(map[int]chan PublicState),
		sendTCP:             transport.SendRaw,
		postFiscal:          transport.PostFiscal,
		scanPrinters:        discovery.Printers,
		scanRTDevices:       discovery.RTDevices,
		now:                 time.Now,
	}
	w.fetchRestaurant = client.RestaurantByID
	w.sessions = session.NewManager(client, w.persistRefreshedSession)
	return w
}

// persistRefreshedSession is the session manager's persist callback:
// a successful token refresh writes through to disk immediately.
func (w *Worker) persistRefreshedSession(snap session.Snapshot) {
	w.mu.Lock()
	w.snapshot = snap
	state := PersistedState{Config: w.cfg, Session: w.snapshot}
	w.mu.Unlock()

	if err := w.persist.Save(state); err != nil {
		w.logf("ERROR", "Failed to persist refreshed session: %v", err)
	}
}

func (w *Worker) logf(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[worker] %s", msg)
	w.logs.Append(LogRow{At: w.now(), Level: level, Message: msg})
}

// publicStateLocked builds a snapshot; caller holds w.mu.
func (w *Worker) publicStateLocked() PublicState {
	state := PublicState{
		Config:   w.cfg,
		SignedIn: w.auth != nil && w.auth.user != nil,
		Service: ServiceState{
			Running:           w.running,
			Processing:        w.processing,
			AssignedPrinterID: w.assignedPrinterID,
			RunID:             w.runID,
		},
		Stats: w.stats,
		RPC: RPCAvailability{
			PhysicalReceipt:  w.physicalReceiptRPC,
			NonFiscalReceipt: w.nonFiscalReceiptRPC,
		},
	}
	if w.stats.LastRunAt != nil {
		at := *w.stats.LastRunAt
		state.Stats.LastRunAt = &at
	}
	if w.auth != nil {
		if w.auth.user != nil {
			u := *w.auth.user
			state.User = &u
		}
		if w.auth.scope != nil {
			s := *w.auth.scope
			state.Restaurant = &s
		}
	}
	return state
}

// PublicState returns the current snapshot.
func (w *Worker) PublicState() PublicState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.publicStateLocked()
}

// broadcast pushes the current snapshot to all state subscribers.
func (w *Worker) broadcast() {
	w.mu.Lock()
	state := w.publicStateLocked()
	for _, ch := range w.stateSubs {
		select {
		case ch <- state:
		default:
		}
	}
	w.mu.Unlock()
}

// SubscribeState registers a live feed of public-state snapshots.
func (w *Worker) SubscribeState() (<-chan PublicState, func()) {
	w.mu.Lock()
	id := w.nextStateID
	w.nextStateID++
	ch := make(chan PublicState, 16)
	w.stateSubs[id] = ch
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		delete(w.stateSubs, id)
		w.mu.Unlock()
	}
}

// SubscribeLogs registers a live feed of log rows.
func (w *Worker) SubscribeLogs() (<-chan LogRow, func()) {
	return w.logs.Subscribe()
}

// Logs returns the buffered log rows, oldest first.
func (w *Worker) Logs() []LogRow {
	return w.logs.Rows()
}

// SaveConfig merges a partial config, persists, and returns the new
// state.
func (w *Worker) SaveConfig(patch ConfigPatch) (PublicState, error) {
	w.mu.Lock()
	w.cfg = w.cfg.Apply(patch)
	state := PersistedState{Config: w.cfg, Session: w.snapshot}
	w.mu.Unlock()

	if err := w.persist.Save(state); err != nil {
		return w.PublicState(), fmt.Errorf("save config: %w", err)
	}
	w.logf("INFO", "Config saved (consumer %s, poll %dms, claim %d)",
		state.Config.ConsumerID, state.Config.PollMs, state.Config.ClaimLimit)
	w.broadcast()
	return w.PublicState(), nil
}

// SyncSession installs fresh session tokens from the shell. Equal
// snapshots are a no-op (no disk write); with autoStart set and the
// service stopped, a successful sync starts the service.
func (w *Worker) SyncSession(snap session.Snapshot) (PublicState, error) {
	if snap.AccessToken == "" || snap.RefreshToken == "" {
		return w.PublicState(), fmt.Errorf("%w: empty session tokens", session.ErrSessionInvalid)
	}

	w.mu.Lock()
	if w.snapshot.Same(snap) {
		state := w.publicStateLocked()
		w.mu.Unlock()
		return state, nil
	}
	w.snapshot = snap
	w.auth = nil // scope re-resolves under the new identity
	w.client.SetTokens(snap.AccessToken, snap.RefreshToken)
	state := PersistedState{Config: w.cfg, Session: w.snapshot}
	autoStart := w.cfg.AutoStart && !w.running
	w.mu.Unlock()

	if err := w.persist.Save(state); err != nil {
		return w.PublicState(), fmt.Errorf("persist session: %w", err)
	}
	w.logf("INFO", "Session synced")
	w.broadcast()

	if autoStart {
		return w.StartService(), nil
	}
	return w.PublicState(), nil
}

// ClearSession wipes the stored session and stops the service.
func (w *Worker) ClearSession() PublicState {
	w.stopService(false)

	w.mu.Lock()
	w.snapshot = session.Snapshot{}
	w.auth = nil
	w.assignedPrinterID = ""
	w.client.ClearTokens()
	state := PersistedState{Config: w.cfg, Session: w.snapshot}
	w.mu.Unlock()

	if err := w.persist.Save(state); err != nil {
		w.logf("ERROR", "Failed to persist cleared session: %v", err)
	}
	w.logf("INFO", "Session cleared")
	w.broadcast()
	return w.PublicState()
}

// StartService begins the tick loop. Idempotent.
func (w *Worker) StartService() PublicState {
	w.mu.Lock()
	if w.running {
		state := w.publicStateLocked()
		w.mu.Unlock()
		return state
	}
	w.running = true
	w.stats = RuntimeStats{}
	w.physicalReceiptRPC = true
	w.nonFiscalReceiptRPC = true
	w.runID = uuid.NewString()
	stop := make(chan struct{})
	done := make(chan struct{})
	w.stopCh = stop
	w.doneCh = done
	runID := w.runID
	w.mu.Unlock()

	metricServiceRunning.Set(1)
	w.logf("INFO", "Service started (run %s)", runID)
	go w.runLoop(stop, done)
	w.broadcast()
	return w.PublicState()
}

// StopService halts the loop, waits for any in-flight tick, and issues a
// best-effort final heartbeat. Idempotent.
func (w *Worker) StopService() PublicState {
	w.stopService(true)
	return w.PublicState()
}

func (w *Worker) stopService(farewell bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stopCh, w.doneCh
	w.stopCh, w.doneCh = nil, nil
	w.mu.Unlock()

	close(stop)
	<-done

	metricServiceRunning.Set(0)
	if farewell {
		w.finalHeartbeat()
	}
	w.logf("INFO", "Service stopped")
	w.broadcast()
}

// runLoop drives serial ticks until stopped. The inter-tick pause reads
// the live pollMs so config changes apply on the next cycle.
func (w *Worker) runLoop(stop, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		default:
		}

		w.runTick(ctx)

		w.mu.Lock()
		poll := time.Duration(w.cfg.PollMs) * time.Millisecond
		w.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(poll):
		}
	}
}

// DiscoverPrinters scans the LAN for raw printer ports.
func (w *Worker) DiscoverPrinters(ctx context.Context, timeoutMs int) ([]discovery.Printer, error) {
	w.logf("INFO", "Printer discovery started (timeout %dms)", timeoutMs)
	printers, err := w.scanPrinters(ctx, timeoutMs)
	if err != nil {
		w.logf("ERROR", "Printer discovery failed: %v", err)
		return nil, err
	}
	w.logf("INFO", "Printer discovery finished: %d found", len(printers))
	return printers, nil
}

// DiscoverRTDevices scans the LAN for fiscal devices.
func (w *Worker) DiscoverRTDevices(ctx context.Context, timeoutMs int) ([]discovery.RTDevice, error) {
	w.logf("INFO", "RT discovery started (timeout %dms)", timeoutMs)
	devices, err := w.scanRTDevices(ctx, timeoutMs)
	if err != nil {
		w.logf("ERROR", "RT discovery failed: %v", err)
		return nil, err
	}
	w.logf("INFO", "RT discovery finished: %d found", len(devices))
	return devices, nil
}

// RTTarget addresses one fiscal device for a connectivity test. Port is
// loose-typed because it arrives from the shell as JSON.
type RTTarget struct {
	Host    string      `json:"host"`
	Port    interface{} `json:"port"`
	Brand   string      `json:"brand"`
	APIPath string      `json:"api_path"`
}

// TestRTReceipt prints a non-fiscal connectivity-test document on the
// target device.
func (w *Worker) TestRTReceipt(ctx context.Context, target RTTarget) error {
	if target.Host == "" {
		return ErrRTHostMissing
	}
	dev := fiscalDevice(target.Host, target.Port, target.Brand, target.APIPath)

	doc := fpmate.BuildConnectivityTest(w.now())
	_, err := w.postFiscal(ctx, dev, doc, transport.FiscalTestTimeout)
	if err != nil {
		w.logf("ERROR", "RT test on %s failed: %v", dev.URL(), err)
		return err
	}
	w.logf("INFO", "RT test on %s succeeded", dev.URL())
	return nil
}
