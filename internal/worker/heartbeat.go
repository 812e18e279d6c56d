package worker

import (
	"context"
	"time"
)

// heartbeat registers this agent for the tick and picks up the printer
// the server assigns to it. The list call is advisory: when it works,
// the server's current assignment wins over the locally cached one.
func (w *Worker) heartbeat(ctx context.Context, restaurantID string, cfg AgentConfig) {
	w.mu.Lock()
	printerID := w.assignedPrinterID
	w.mu.Unlock()

	if agents, err := w.client.ListAgents(ctx, restaurantID); err == nil {
		for _, agent := range agents {
			if agent.AgentID == cfg.ConsumerID {
				printerID = agent.PrinterID
				break
			}
		}
	}

	assigned, err := w.client.RegisterAgent(ctx, restaurantID, cfg.ConsumerID,
		printerID, cfg.DeviceName, w.appVersion, true)
	if err != nil {
		w.logf("WARN", "Heartbeat failed: %v", err)
		return
	}
	if assigned == "" {
		assigned = printerID
	}

	w.mu.Lock()
	changed := w.assignedPrinterID != assigned
	w.assignedPrinterID = assigned
	w.mu.Unlock()

	if changed {
		w.logf("INFO", "Server assigned printer %q", assigned)
		w.broadcast()
	}
}

// finalHeartbeat marks the agent inactive on shutdown. Best-effort: the
// server also expires stale agents on its own.
func (w *Worker) finalHeartbeat() {
	w.mu.Lock()
	cfg := w.cfg
	printerID := w.assignedPrinterID
	scope := ""
	if w.auth != nil && w.auth.scope != nil {
		scope = w.auth.scope.ID
	}
	w.mu.Unlock()

	if scope == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.client.RegisterAgent(ctx, scope, cfg.ConsumerID,
		printerID, cfg.DeviceName, w.appVersion, false); err != nil {
		w.logf("WARN", "Final heartbeat failed: %v", err)
	}
}
