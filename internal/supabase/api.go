package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Job is one claimed queue row. Kitchen jobs carry a department and a
// route snapshot; receipt jobs leave those empty.
type Job struct {
	ID         string                 `json:"id"`
	Department string                 `json:"department"`
	Payload    map[string]interface{} `json:"payload"`
	Route      map[string]interface{} `json:"route"`
	CreatedAt  string                 `json:"created_at"`
}

func (c *Client) claimJobs(ctx context.Context, fn, restaurantID, consumerID string, limit int) ([]Job, error) {
	raw, err := c.Rpc(ctx, fn, map[string]interface{}{
		"p_restaurant_id": restaurantID,
		"p_consumer_id":   consumerID,
		"p_limit":         limit,
	})
	if err != nil {
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", fn, err)
	}
	return jobs, nil
}

// ClaimPrintJobs atomically claims up to limit kitchen ticket jobs for
// this consumer.
func (c *Client) ClaimPrintJobs(ctx context.Context, restaurantID, consumerID string, limit int) ([]Job, error) {
	return c.claimJobs(ctx, "print_claim_jobs", restaurantID, consumerID, limit)
}

// ClaimPhysicalReceiptJobs claims fiscal receipt jobs.
func (c *Client) ClaimPhysicalReceiptJobs(ctx context.Context, restaurantID, consumerID string, limit int) ([]Job, error) {
	return c.claimJobs(ctx, "physical_receipt_claim_jobs", restaurantID, consumerID, limit)
}

// ClaimNonFiscalReceiptJobs claims courtesy (non-fiscal) receipt jobs.
func (c *Client) ClaimNonFiscalReceiptJobs(ctx context.Context, restaurantID, consumerID string, limit int) ([]Job, error) {
	return c.claimJobs(ctx, "non_fiscal_receipt_claim_jobs", restaurantID, consumerID, limit)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CompletePrintJob acks one kitchen job with its outcome.
func (c *Client) CompletePrintJob(ctx context.Context, jobID, consumerID string, success bool, errMsg string, meta map[string]interface{}) error {
	_, err := c.Rpc(ctx, "print_complete_job", map[string]interface{}{
		"p_job_id":      jobID,
		"p_consumer_id": consumerID,
		"p_success":     success,
		"p_error":       nullableString(errMsg),
		"p_meta":        meta,
	})
	return err
}

// CompletePhysicalReceiptJob acks one fiscal job, carrying the receipt id
// the RT device issued (or the synthetic fallback).
func (c *Client) CompletePhysicalReceiptJob(ctx context.Context, jobID, consumerID string, success bool, receiptID, errMsg string, meta map[string]interface{}) error {
	_, err := c.Rpc(ctx, "physical_receipt_complete_job", map[string]interface{}{
		"p_job_id":      jobID,
		"p_consumer_id": consumerID,
		"p_success":     success,
		"p_receipt_id":  nullableString(receiptID),
		"p_error":       nullableString(errMsg),
		"p_meta":        meta,
	})
	return err
}

// CompleteNonFiscalReceiptJob acks one courtesy receipt job.
func (c *Client) CompleteNonFiscalReceiptJob(ctx context.Context, jobID, consumerID string, success bool, errMsg string, meta map[string]interface{}) error {
	_, err := c.Rpc(ctx, "non_fiscal_receipt_complete_job", map[string]interface{}{
		"p_job_id":      jobID,
		"p_consumer_id": consumerID,
		"p_success":     success,
		"p_error":       nullableString(errMsg),
		"p_meta":        meta,
	})
	return err
}

// RegisterAgent heartbeats this agent and returns the printer id the
// server currently assigns to it ("" when unassigned).
func (c *Client) RegisterAgent(ctx context.Context, restaurantID, agentID, printerID, deviceName, appVersion string, isActive bool) (string, error) {
	raw, err := c.Rpc(ctx, "printing_register_agent", map[string]interface{}{
		"p_restaurant_id": restaurantID,
		"p_agent_id":      agentID,
		"p_printer_id":    nullableString(printerID),
		"p_device_name":   deviceName,
		"p_app_version":   appVersion,
		"p_is_active":     isActive,
	})
	if err != nil {
		return "", err
	}
	return assignedPrinterID(raw), nil
}

// Agent is one row of the server's agent registry.
type Agent struct {
	AgentID   string `json:"agent_id"`
	PrinterID string `json:"printer_id"`
	IsActive  bool   `json:"is_active"`
}

// ListAgents reads the server's agent registry for a restaurant. The call
// is advisory: a failure only means the heartbeat proceeds without the
// server-side assignment hint.
func (c *Client) ListAgents(ctx context.Context, restaurantID string) ([]Agent, error) {
	raw, err := c.Rpc(ctx, "printing_list_agents", map[string]interface{}{
		"p_restaurant_id": restaurantID,
	})
	if err != nil {
		return nil, err
	}
	var agents []Agent
	if err := json.Unmarshal(raw, &agents); err != nil {
		return nil, fmt.Errorf("parse printing_list_agents response: %w", err)
	}
	return agents, nil
}

// assignedPrinterID digs the printer id out of a register response, which
// PostgREST may deliver as an object or a single-row array.
func assignedPrinterID(raw json.RawMessage) string {
	var obj struct {
		PrinterID string `json:"printer_id"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.PrinterID != "" {
		return obj.PrinterID
	}
	var rows []struct {
		PrinterID string `json:"printer_id"`
	}
	if json.Unmarshal(raw, &rows) == nil && len(rows) > 0 {
		return rows[0].PrinterID
	}
	return ""
}

// Restaurant is the subset of the restaurants table the agent needs.
type Restaurant struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	City     string                 `json:"city"`
	OwnerID  string                 `json:"owner_id"`
	Settings map[string]interface{} `json:"settings"`
}

const restaurantColumns = "id,name,city,owner_id,settings"

// RestaurantByOwner returns the most recently created restaurant owned by
// the user, or nil when they own none.
func (c *Client) RestaurantByOwner(ctx context.Context, userID string) (*Restaurant, error) {
	raw, err := c.Select(ctx, "restaurants",
		"owner_id=eq."+url.QueryEscape(userID)+
			"&select="+restaurantColumns+"&order=created_at.desc&limit=1")
	if err != nil {
		return nil, err
	}
	return firstRestaurant(raw)
}

// RestaurantByID fetches one restaurant row, or nil when absent.
func (c *Client) RestaurantByID(ctx context.Context, restaurantID string) (*Restaurant, error) {
	raw, err := c.Select(ctx, "restaurants",
		"id=eq."+url.QueryEscape(restaurantID)+"&select="+restaurantColumns+"&limit=1")
	if err != nil {
		return nil, err
	}
	return firstRestaurant(raw)
}

func firstRestaurant(raw json.RawMessage) (*Restaurant, error) {
	var rows []Restaurant
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse restaurants response: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RoleMembership ties a user to a restaurant with a staff role.
type RoleMembership struct {
	UserID       string `json:"user_id"`
	RestaurantID string `json:"restaurant_id"`
	Role         string `json:"role"`
	CreatedAt    string `json:"created_at"`
}

// RoleMemberships lists the user's admin/manager/staff memberships, oldest
// first. Role ranking happens in the session layer.
func (c *Client) RoleMemberships(ctx context.Context, userID string) ([]RoleMembership, error) {
	raw, err := c.Select(ctx, "user_roles",
		"user_id=eq."+url.QueryEscape(userID)+
			"&role=in.(admin,manager,staff)"+
			"&select=user_id,restaurant_id,role,created_at&order=created_at.asc")
	if err != nil {
		return nil, err
	}
	var rows []RoleMembership
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse user_roles response: %w", err)
	}
	return rows, nil
}
