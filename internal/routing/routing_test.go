package routing

import (
	"errors"
	"testing"
)

func sampleSettings() map[string]interface{} {
	return map[string]interface{}{
		"printing": map[string]interface{}{
			"default_printer_id": "p9",
			"printers": []interface{}{
				map[string]interface{}{
					"id": "p1", "name": "Cucina", "host": "192.168.1.50",
					"port": float64(9100), "enabled": true,
					"departments": []interface{}{"Cucina"},
				},
				map[string]interface{}{
					"id": "p2", "name": "Sushi OFF", "host": "192.168.1.51",
					"enabled":     false,
					"departments": []interface{}{"sushi"},
				},
				map[string]interface{}{
					"id": "p3", "name": "Sushi ON", "host": "192.168.1.52",
					"enabled":     true,
					"departments": []interface{}{"sushi"},
				},
				map[string]interface{}{
					"id": "p9", "name": "Default", "host": "10.0.0.9",
					"port": float64(9100), "enabled": true,
				},
			},
		},
	}
}

func TestParseSettings(t *testing.T) {
	routes := ParseSettings(sampleSettings())

	if len(routes.ByID) != 4 {
		t.Fatalf("ByID size = %d, want 4", len(routes.ByID))
	}
	if routes.DefaultPrinterID != "p9" {
		t.Fatalf("default = %q", routes.DefaultPrinterID)
	}
	// Department index holds the first *enabled* printer: p2 is disabled,
	// so sushi routes to p3.
	if p := routes.ByDepartment["sushi"]; p == nil || p.ID != "p3" {
		t.Fatalf("sushi route = %+v, want p3", p)
	}
	if p := routes.ByDepartment["cucina"]; p == nil || p.ID != "p1" {
		t.Fatalf("cucina route = %+v, want p1", p)
	}
}

func TestResolveBySnapshotID(t *testing.T) {
	routes := ParseSettings(sampleSettings())
	target, err := routes.Resolve(map[string]interface{}{"id": "p1"}, "cucina")
	if err != nil {
		t.Fatal(err)
	}
	if target.Host != "192.168.1.50" || target.Port != 9100 {
		t.Fatalf("target = %+v", target)
	}
}

func TestResolveDisabledIDFallsThrough(t *testing.T) {
	routes := ParseSettings(sampleSettings())
	// p2 is disabled: resolution falls through to the sushi department (p3).
	target, err := routes.Resolve(map[string]interface{}{"id": "p2"}, "sushi")
	if err != nil {
		t.Fatal(err)
	}
	if target.ID != "p3" {
		t.Fatalf("target = %+v, want p3", target)
	}
}

func TestResolveByDepartmentDefault(t *testing.T) {
	routes := ParseSettings(sampleSettings())
	// Empty department normalizes to cucina.
	target, err := routes.Resolve(map[string]interface{}{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if target.ID != "p1" {
		t.Fatalf("target = %+v, want p1", target)
	}
}

func TestResolveDefaultPrinter(t *testing.T) {
	routes := ParseSettings(sampleSettings())
	// "bar" has no department route: falls to the default printer.
	target, err := routes.Resolve(map[string]interface{}{}, "bar")
	if err != nil {
		t.Fatal(err)
	}
	if target.Host != "10.0.0.9" || target.Port != 9100 {
		t.Fatalf("target = %+v, want 10.0.0.9:9100", target)
	}
}

func TestResolveInlineSnapshotHost(t *testing.T) {
	routes := ParseSettings(map[string]interface{}{})
	target, err := routes.Resolve(map[string]interface{}{
		"id": "ghost", "name": "Inline", "host": "172.16.0.4", "port": "9101",
	}, "bar")
	if err != nil {
		t.Fatal(err)
	}
	if target.Host != "172.16.0.4" || target.Port != 9101 || target.Name != "Inline" {
		t.Fatalf("target = %+v", target)
	}
}

func TestResolveNoPrinterHost(t *testing.T) {
	routes := ParseSettings(map[string]interface{}{})
	_, err := routes.Resolve(map[string]interface{}{}, "bar")
	if !errors.Is(err, ErrNoPrinterHost) {
		t.Fatalf("err = %v, want ErrNoPrinterHost", err)
	}

	var nilRoutes *Routes
	_, err = nilRoutes.Resolve(map[string]interface{}{}, "cucina")
	if !errors.Is(err, ErrNoPrinterHost) {
		t.Fatalf("nil routes err = %v, want ErrNoPrinterHost", err)
	}
}

func TestSanitizePort(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int
	}{
		{9100, 9100},
		{float64(515), 515},
		{"631", 631},
		{"  8008 ", 8008},
		{0, 9100},
		{-5, 9100},
		{70000, 9100},
		{float64(12.5), 9100},
		{"not-a-port", 9100},
		{nil, 9100},
		{true, 9100},
	}
	for _, c := range cases {
		if got := SanitizePort(c.in); got != c.want {
			t.Errorf("SanitizePort(%v) = %d, want %d", c.in, got, c.want)
		}
		// Idempotence: re-sanitizing the result is a fixed point.
		if got := SanitizePort(SanitizePort(c.in)); got != SanitizePort(c.in) {
			t.Errorf("SanitizePort not idempotent for %v", c.in)
		}
	}

	if got := SanitizePortDefault(nil, 8008); got != 8008 {
		t.Errorf("SanitizePortDefault(nil, 8008) = %d", got)
	}
}

func TestNormalizeDepartment(t *testing.T) {
	if NormalizeDepartment("") != "cucina" {
		t.Error("empty department should default to cucina")
	}
	if NormalizeDepartment("  BAR ") != "bar" {
		t.Error("department should lowercase and trim")
	}
}
