// Package routing selects the physical printer for a kitchen job by
// combining the job's snapshot route with the live printer table from the
// restaurant settings.
package routing

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrNoPrinterHost means no resolution step produced a usable host.
var ErrNoPrinterHost = errors.New("NO_PRINTER_HOST")

// DefaultPrinterPort is the raw ESC/POS port used when a configured port
// is missing or out of range.
const DefaultPrinterPort = 9100

// Printer is one entry of the restaurant's live printer table.
type Printer struct {
	ID          string
	Name        string
	Host        string
	Port        int
	Enabled     bool
	Departments []string
}

// Routes indexes the live printer table for resolution.
type Routes struct {
	ByID             map[string]*Printer
	ByDepartment     map[string]*Printer // first enabled printer per department
	DefaultPrinterID string
}

// Target is the resolved physical destination for a job.
type Target struct {
	ID   string
	Name string
	Host string
	Port int
}

// SanitizePort clamps any value to a valid TCP port, collapsing garbage
// to the ESC/POS default. Sanitization is idempotent.
func SanitizePort(v interface{}) int {
	return SanitizePortDefault(v, DefaultPrinterPort)
}

// SanitizePortDefault is SanitizePort with a caller-chosen fallback
// (fiscal devices default to 8008 rather than 9100).
func SanitizePortDefault(v interface{}, fallback int) int {
	port := fallback
	switch t := v.(type) {
	case int:
		port = t
	case int64:
		port = int(t)
	case float64:
		if t == math.Trunc(t) {
			port = int(t)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			port = n
		}
	}
	if port < 1 || port > 65535 {
		return fallback
	}
	return port
}

// NormalizeDepartment lowercases a routing key, defaulting to cucina.
func NormalizeDepartment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "cucina"
	}
	return s
}

// ParseSettings builds the live route index from a restaurant's settings
// document. The printer list lives under settings.printing. Malformed or
// missing entries are skipped rather than failing the whole table.
func ParseSettings(settings map[string]interface{}) *Routes {
	routes := &Routes{
		ByID:         make(map[string]*Printer),
		ByDepartment: make(map[string]*Printer),
	}

	printing, _ := settings["printing"].(map[string]interface{})
	if printing == nil {
		return routes
	}
	if def, ok := printing["default_printer_id"].(string); ok {
		routes.DefaultPrinterID = def
	}

	rawPrinters, _ := printing["printers"].([]interface{})
	for _, raw := range rawPrinters {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		p := &Printer{Port: DefaultPrinterPort, Enabled: true}
		p.ID, _ = entry["id"].(string)
		p.Name, _ = entry["name"].(string)
		p.Host, _ = entry["host"].(string)
		p.Port = SanitizePort(entry["port"])
		if enabled, ok := entry["enabled"].(bool); ok {
			p.Enabled = enabled
		}
		if depts, ok := entry["departments"].([]interface{}); ok {
			for _, d := range depts {
				if name, ok := d.(string); ok {
					p.Departments = append(p.Departments, NormalizeDepartment(name))
				}
			}
		}

		if p.ID != "" {
			routes.ByID[p.ID] = p
		}
		if p.Enabled {
			for _, d := range p.Departments {
				if _, taken := routes.ByDepartment[d]; !taken {
					routes.ByDepartment[d] = p
				}
			}
		}
	}

	return routes
}

// Resolve walks the resolution ladder for a kitchen job: snapshot id →
// department route → default printer → inline snapshot host.
func (r *Routes) Resolve(route map[string]interface{}, department string) (Target, error) {
	if r != nil {
		if id, _ := route["id"].(string); id != "" {
			if p := r.ByID[id]; p != nil && p.Enabled && p.Host != "" {
				return targetFor(p), nil
			}
		}
		dept := NormalizeDepartment(department)
		if p := r.ByDepartment[dept]; p != nil && p.Host != "" {
			return targetFor(p), nil
		}
		if r.DefaultPrinterID != "" {
			if p := r.ByID[r.DefaultPrinterID]; p != nil && p.Enabled && p.Host != "" {
				return targetFor(p), nil
			}
		}
	}

	if host, _ := route["host"].(string); host != "" {
		id, _ := route["id"].(string)
		name, _ := route["name"].(string)
		return Target{ID: id, Name: name, Host: host, Port: SanitizePort(route["port"])}, nil
	}

	return Target{}, ErrNoPrinterHost
}

func targetFor(p *Printer) Target {
	return Target{ID: p.ID, Name: p.Name, Host: p.Host, Port: SanitizePort(p.Port)}
}
