package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sushiamo/desktop-bridge/internal/session"
)

func TestAgentConfigSanitizedIdempotent(t *testing.T) {
	inputs := []AgentConfig{
		{ConsumerID: "  My Kitchen Mac!! ", DeviceName: "  Front Desk  ", PollMs: 100, ClaimLimit: 50},
		{ConsumerID: "ok-id_1.2:3", DeviceName: "Cassa", PollMs: 2500, ClaimLimit: 5},
		{},
		{ConsumerID: strings.Repeat("x", 200), DeviceName: strings.Repeat("y", 200), PollMs: 99999, ClaimLimit: -3},
	}
	for _, in := range inputs {
		once := in.Sanitized()
		twice := once.Sanitized()
		if once != twice {
			t.Errorf("sanitize not idempotent: %+v → %+v → %+v", in, once, twice)
		}
	}
}

func TestAgentConfigSanitizedBounds(t *testing.T) {
	c := AgentConfig{
		ConsumerID: "My Kitchen MAC",
		DeviceName: strings.Repeat("n", 100),
		PollMs:     100,
		ClaimLimit: 50,
	}.Sanitized()

	if c.ConsumerID != "my-kitchen-mac" {
		t.Errorf("consumer id = %q", c.ConsumerID)
	}
	if len(c.ConsumerID) > consumerIDMaxLen {
		t.Errorf("consumer id too long: %d", len(c.ConsumerID))
	}
	if len([]rune(c.DeviceName)) > deviceNameMaxLen {
		t.Errorf("device name too long")
	}
	if c.PollMs != minPollMs {
		t.Errorf("pollMs = %d, want clamped to %d", c.PollMs, minPollMs)
	}
	if c.ClaimLimit != maxClaimLimit {
		t.Errorf("claimLimit = %d, want clamped to %d", c.ClaimLimit, maxClaimLimit)
	}
}

func TestAgentConfigDefaults(t *testing.T) {
	c := DefaultAgentConfig()
	if c.PollMs != defaultPollMs || c.ClaimLimit != defaultClaimLimit {
		t.Fatalf("defaults = %+v", c)
	}
	if c.ConsumerID == "" {
		t.Fatal("default consumer id must not be empty")
	}
	if !strings.Contains(c.ConsumerID, "-bridge") {
		t.Fatalf("consumer id %q missing bridge marker", c.ConsumerID)
	}
	if c.ConsumerID != sanitizeConsumerID(c.ConsumerID) {
		t.Fatalf("default consumer id %q not a sanitization fixed point", c.ConsumerID)
	}
}

func TestAgentConfigApply(t *testing.T) {
	base := DefaultAgentConfig()
	poll := 5000
	auto := true
	next := base.Apply(ConfigPatch{PollMs: &poll, AutoStart: &auto})

	if next.PollMs != 5000 || !next.AutoStart {
		t.Fatalf("next = %+v", next)
	}
	// Untouched fields survive the merge.
	if next.ConsumerID != base.ConsumerID || next.ClaimLimit != base.ClaimLimit {
		t.Fatalf("merge clobbered unset fields: %+v", next)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	exp := int64(1767225600)
	saved := PersistedState{
		Config: AgentConfig{ConsumerID: "mac-bridge-cassa", DeviceName: "Cassa",
			PollMs: 3000, ClaimLimit: 10, AutoStart: true},
		Session: session.Snapshot{AccessToken: "a", RefreshToken: "r", ExpiresAt: &exp},
	}
	if err := store.Save(saved); err != nil {
		t.Fatal(err)
	}

	loaded := store.Load()
	if loaded.Config != saved.Config {
		t.Fatalf("config = %+v, want %+v", loaded.Config, saved.Config)
	}
	if !loaded.Session.Same(saved.Session) {
		t.Fatalf("session = %+v", loaded.Session)
	}
}

func TestStoreMissingFileYieldsDefaults(t *testing.T) {
	store := NewStore(t.TempDir())
	state := store.Load()
	if state.Config.PollMs != defaultPollMs {
		t.Fatalf("config = %+v", state.Config)
	}
	if !state.Session.Empty() {
		t.Fatalf("session = %+v, want empty", state.Session)
	}
}

func TestStoreCorruptFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	state := store.Load()
	if state.Config.PollMs != defaultPollMs || !state.Session.Empty() {
		t.Fatalf("state = %+v, want defaults", state)
	}
}

func TestLoadBridgeConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	yaml := "supabase_url: https://proj.supabase.co\nsupabase_anon_key: file-key\nlisten_addr: 127.0.0.1:9000\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SUSHIAMO_SUPABASE_ANON_KEY", "env-key")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SupabaseURL != "https://proj.supabase.co" {
		t.Errorf("url = %q", cfg.SupabaseURL)
	}
	if cfg.SupabaseAnonKey != "env-key" {
		t.Errorf("key = %q, env must override file", cfg.SupabaseAnonKey)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("log level = %q, want uppercased", cfg.LogLevel)
	}
}

func TestLoadBridgeConfigNoFile(t *testing.T) {
	cfg, err := LoadBridgeConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr == "" || cfg.DataDir == "" {
		t.Fatalf("cfg = %+v, want defaults filled", cfg)
	}
}

func TestLogRingEvictsOldest(t *testing.T) {
	ring := newLogRing()
	for i := 0; i < logRingCapacity+25; i++ {
		ring.Append(LogRow{Level: "INFO", Message: "row"})
	}
	if got := len(ring.Rows()); got != logRingCapacity {
		t.Fatalf("rows = %d, want %d", got, logRingCapacity)
	}
}

func TestLogRingSubscribe(t *testing.T) {
	ring := newLogRing()
	ch, cancel := ring.Subscribe()
	defer cancel()

	ring.Append(LogRow{Level: "WARN", Message: "hello"})
	select {
	case row := <-ch:
		if row.Message != "hello" || row.Level != "WARN" {
			t.Fatalf("row = %+v", row)
		}
	default:
		t.Fatal("subscriber did not receive the row")
	}

	cancel()
	ring.Append(LogRow{Level: "INFO", Message: "after cancel"})
	select {
	case row, ok := <-ch:
		if ok {
			t.Fatalf("unexpected row after cancel: %+v", row)
		}
	default:
	}
}
