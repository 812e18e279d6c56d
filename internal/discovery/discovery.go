// Package discovery scans the local /24 networks for thermal printers and
// RT fiscal devices with a bounded fan-out of TCP probes.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultTimeout is the per-probe connect budget when the caller
	// passes none; the clamp keeps UI-supplied values sane.
	DefaultTimeout = 350 * time.Millisecond
	MinTimeout     = 120 * time.Millisecond
	MaxTimeout     = 2000 * time.Millisecond

	// FingerprintMinTimeout floors the HTTP fingerprint budget; a TCP
	// connect clamp is too tight for a full request/response.
	FingerprintMinTimeout = 300 * time.Millisecond

	maxConcurrentProbes = 96
	maxHosts            = 1024
	fingerprintBodyMax  = 3000
)

var (
	printerPorts = []int{9100, 515, 631}
	fiscalPorts  = []int{8008, 80, 443}
)

// Target is one candidate host, annotated with the interface it was
// enumerated from.
type Target struct {
	Host           string
	InterfaceName  string
	InterfaceIP    string
	ConnectionType string // ethernet, wifi, unknown
}

// Printer is one discovered ESC/POS-capable endpoint.
type Printer struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Label          string `json:"label"`
	ConnectionType string `json:"connection_type"`
	InterfaceName  string `json:"interface_name"`
	InterfaceIP    string `json:"interface_ip"`
	Source         string `json:"source"`
}

// RTDevice is one discovered fiscal printer.
type RTDevice struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Brand          string `json:"brand"`
	APIPath        string `json:"api_path"`
	Label          string `json:"label"`
	ConnectionType string `json:"connection_type"`
	InterfaceName  string `json:"interface_name"`
	InterfaceIP    string `json:"interface_ip"`
	Source         string `json:"source"`
}

// tcpProbe dials one host:port within the timeout. Package-level so scan
// tests can substitute a synthetic LAN.
var tcpProbe = func(ctx context.Context, host string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// netInterfaceAddrs is swapped in tests to enumerate a synthetic host.
var netInterfaceAddrs = func() ([]ifaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []ifaceAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			out = append(out, ifaceAddr{Name: iface.Name, IP: ip.String()})
		}
	}
	return out, nil
}

type ifaceAddr struct {
	Name string
	IP   string
}

// ClampTimeout normalizes a UI-supplied per-probe timeout in ms.
func ClampTimeout(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// connectionClass buckets an interface name. Wifi keywords are checked
// first: "wlan" contains "lan" and would otherwise classify as ethernet.
func connectionClass(ifaceName string) string {
	name := strings.ToLower(ifaceName)
	for _, kw := range []string{"wifi", "wi-fi", "wireless", "wlan"} {
		if strings.Contains(name, kw) {
			return "wifi"
		}
	}
	for _, kw := range []string{"ethernet", "lan", "eth"} {
		if strings.Contains(name, kw) {
			return "ethernet"
		}
	}
	return "unknown"
}

// enumerateTargets walks the host's interfaces and expands each /24.
func enumerateTargets() ([]Target, error) {
	addrs, err := netInterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	return enumerateTargetsFrom(addrs), nil
}

func enumerateTargetsFrom(addrs []ifaceAddr) []Target {
	var targets []Target
	seen := make(map[string]bool)
	for _, addr := range addrs {
		ip := net.ParseIP(addr.IP)
		if ip == nil || ip.To4() == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		octets := ip.To4()
		class := connectionClass(addr.Name)
		for d := 1; d <= 254; d++ {
			if int(octets[3]) == d {
				continue
			}
			host := fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], d)
			if seen[host] {
				continue
			}
			seen[host] = true
			targets = append(targets, Target{
				Host:           host,
				InterfaceName:  addr.Name,
				InterfaceIP:    addr.IP,
				ConnectionType: class,
			})
			if len(targets) >= maxHosts {
				return targets
			}
		}
	}
	return targets
}

// hostLess orders hosts numeric-aware: octet by octet when both parse as
// IPv4, plain ASCII otherwise.
func hostLess(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA != nil && ipB != nil {
		if a4, b4 := ipA.To4(), ipB.To4(); a4 != nil && b4 != nil {
			for i := 0; i < 4; i++ {
				if a4[i] != b4[i] {
					return a4[i] < b4[i]
				}
			}
			return false
		}
	}
	return a < b
}

// Printers scans the LAN for raw/LPD/IPP printer ports. First open port
// wins per host.
func Printers(ctx context.Context, timeoutMs int) ([]Printer, error) {
	targets, err := enumerateTargets()
	if err != nil {
		return nil, err
	}
	return printersOn(ctx, targets, ClampTimeout(timeoutMs)), nil
}

func printersOn(ctx context.Context, targets []Target, timeout time.Duration) []Printer {
	sem := semaphore.NewWeighted(maxConcurrentProbes)
	var mu sync.Mutex
	var found []Printer
	var wg sync.WaitGroup

	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer sem.Release(1)
			for _, port := range printerPorts {
				if ctx.Err() != nil {
					return
				}
				if !tcpProbe(ctx, t.Host, port, timeout) {
					continue
				}
				mu.Lock()
				found = append(found, Printer{
					Host:           t.Host,
					Port:           port,
					Label:          fmt.Sprintf("Stampante %s:%d", t.Host, port),
					ConnectionType: t.ConnectionType,
					InterfaceName:  t.InterfaceName,
					InterfaceIP:    t.InterfaceIP,
					Source:         "lan_scan",
				})
				mu.Unlock()
				return
			}
		}(target)
	}
	wg.Wait()

	return dedupePrinters(found)
}

func dedupePrinters(in []Printer) []Printer {
	seen := make(map[string]bool)
	out := in[:0]
	for _, p := range in {
		key := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return hostLess(out[i].Host, out[j].Host)
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// RTDevices scans the LAN for fiscal printers, fingerprinting candidates
// over HTTP to refine the brand guess.
func RTDevices(ctx context.Context, timeoutMs int) ([]RTDevice, error) {
	targets, err := enumerateTargets()
	if err != nil {
		return nil, err
	}
	return rtDevicesOn(ctx, targets, ClampTimeout(timeoutMs)), nil
}

func rtDevicesOn(ctx context.Context, targets []Target, timeout time.Duration) []RTDevice {
	sem := semaphore.NewWeighted(maxConcurrentProbes)
	var mu sync.Mutex
	var found []RTDevice
	var wg sync.WaitGroup

	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer sem.Release(1)

			var open []int
			for _, port := range fiscalPorts {
				if ctx.Err() != nil {
					return
				}
				if tcpProbe(ctx, t.Host, port, timeout) {
					open = append(open, port)
				}
			}
			if len(open) == 0 {
				return
			}

			// fiscalPorts is already in preference order, so the first
			// open port is the preferred one.
			port := open[0]
			brand := "other"
			if port == 8008 {
				brand = "epson"
			}
			if fp := fingerprintBrand(ctx, t.Host, open, timeout); fp != "" {
				brand = fp
			}
			apiPath := "/"
			if brand == "epson" {
				apiPath = "/cgi-bin/fpmate.cgi"
			}

			mu.Lock()
			found = append(found, RTDevice{
				Host:           t.Host,
				Port:           port,
				Brand:          brand,
				APIPath:        apiPath,
				Label:          fmt.Sprintf("RT %s (%s)", t.Host, brand),
				ConnectionType: t.ConnectionType,
				InterfaceName:  t.InterfaceName,
				InterfaceIP:    t.InterfaceIP,
				Source:         "lan_scan",
			})
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	return dedupeRTDevices(found)
}

func dedupeRTDevices(in []RTDevice) []RTDevice {
	seen := make(map[string]bool)
	out := in[:0]
	for _, d := range in {
		key := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return hostLess(out[i].Host, out[j].Host)
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// brandKeywords maps fingerprint substrings to brands, in match priority.
var brandKeywords = []struct {
	keywords []string
	brand    string
}{
	{[]string{"epson", "fpmate", "fp90"}, "epson"},
	{[]string{"custom"}, "custom"},
	{[]string{"olivetti"}, "olivetti"},
	{[]string{"axon"}, "axon"},
	{[]string{"rch"}, "rch"},
}

// httpFingerprint fetches "/" and returns the lowercased material to match
// against: up to 3000 chars of body plus identifying headers. Swapped in
// tests.
var httpFingerprint = func(ctx context.Context, host string, port int, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, fingerprintBodyMax))
	material := string(body) + " " + resp.Header.Get("Server") + " " + resp.Header.Get("X-Powered-By")
	return strings.ToLower(material)
}

// fingerprintBrand probes the first HTTP-like open port for brand
// keywords. Empty string means no positive match; the port-based guess
// stands.
func fingerprintBrand(ctx context.Context, host string, openPorts []int, timeout time.Duration) string {
	if timeout < FingerprintMinTimeout {
		timeout = FingerprintMinTimeout
	}
	for _, port := range openPorts {
		material := httpFingerprint(ctx, host, port, timeout)
		if material == "" {
			continue
		}
		for _, entry := range brandKeywords {
			for _, kw := range entry.keywords {
				if strings.Contains(material, kw) {
					return entry.brand
				}
			}
		}
		return ""
	}
	return ""
}
