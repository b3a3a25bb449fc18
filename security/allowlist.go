package security

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/kart-io/ingesthub/logger"
)

// ParsedCIDR is one configured network, parsed once and used read-only
// for every membership test.
type ParsedCIDR struct {
	Network  *net.IPNet
	IsIPv6   bool
	Original string
}

// privateCIDRs are the RFC1918 ranges plus the IPv6 ULA range, checked
// with the same matcher when BlockPrivateNetworks is set.
var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
)

// IPAllowlistConfig configures the allowlist policy knobs.
type IPAllowlistConfig struct {
	// CIDRs is the configured allowlist. Empty means allow everyone
	// (subject to the other knobs).
	CIDRs []string `json:"cidrs" yaml:"cidrs"`
	// AllowLocalhost admits loopback addresses regardless of CIDRs.
	AllowLocalhost bool `json:"allow_localhost" yaml:"allow_localhost"`
	// BlockPrivateNetworks rejects RFC1918 and IPv6 ULA sources.
	BlockPrivateNetworks bool `json:"block_private_networks" yaml:"block_private_networks"`
	// ReloadFile, when set, is watched and re-read on change.
	ReloadFile string `json:"reload_file" yaml:"reload_file"`
}

// IPAllowlist answers whether a source address may talk to the service.
// The parsed network list is replaced atomically on reload so readers
// never block and never see a half-updated list.
type IPAllowlist struct {
	config IPAllowlistConfig
	logger logger.Logger

	networks atomic.Value // []ParsedCIDR

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIPAllowlist parses the configured CIDRs and, when a reload file is
// configured, starts watching it. Invalid CIDRs are logged and skipped;
// they never abort startup.
func NewIPAllowlist(config IPAllowlistConfig, log logger.Logger) (*IPAllowlist, error) {
	al := &IPAllowlist{
		config: config,
		logger: log,
		stopCh: make(chan struct{}),
	}
	al.networks.Store(al.parseCIDRs(config.CIDRs))

	if config.ReloadFile != "" {
		if err := al.loadFromFile(config.ReloadFile); err != nil {
			return nil, fmt.Errorf("loading allowlist file: %w", err)
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating allowlist watcher: %w", err)
		}
		if err := watcher.Add(config.ReloadFile); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watching allowlist file: %w", err)
		}
		al.watcher = watcher

		al.wg.Add(1)
		go al.watchLoop()
	}

	return al, nil
}

// Allowed reports whether the address passes the allowlist policy.
func (al *IPAllowlist) Allowed(address string) bool {
	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return false
	}

	if ip.IsLoopback() {
		return al.config.AllowLocalhost
	}

	if al.config.BlockPrivateNetworks {
		for _, cidr := range privateCIDRs {
			if cidr.Network.Contains(ip) {
				return false
			}
		}
	}

	networks := al.networks.Load().([]ParsedCIDR)
	if len(networks) == 0 {
		return true
	}
	for _, cidr := range networks {
		if cidr.Network.Contains(ip) {
			return true
		}
	}
	return false
}

// Reload replaces the active CIDR list atomically.
func (al *IPAllowlist) Reload(cidrs []string) {
	al.networks.Store(al.parseCIDRs(cidrs))
	al.logger.Info("ip allowlist reloaded", "entries", len(cidrs))
}

// Networks returns the currently active parsed networks.
func (al *IPAllowlist) Networks() []ParsedCIDR {
	return al.networks.Load().([]ParsedCIDR)
}

// Stop halts the reload watcher.
func (al *IPAllowlist) Stop() {
	al.stopOnce.Do(func() {
		close(al.stopCh)
		if al.watcher != nil {
			_ = al.watcher.Close()
		}
	})
	al.wg.Wait()
}

func (al *IPAllowlist) parseCIDRs(cidrs []string) []ParsedCIDR {
	parsed := make([]ParsedCIDR, 0, len(cidrs))
	for _, raw := range cidrs {
		entry := strings.TrimSpace(raw)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		// Bare addresses are accepted as single-host networks.
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			al.logger.Warn("skipping invalid allowlist CIDR", "cidr", raw, "error", err)
			continue
		}
		parsed = append(parsed, ParsedCIDR{
			Network:  network,
			IsIPv6:   strings.Contains(entry, ":"),
			Original: raw,
		})
	}
	return parsed
}

func (al *IPAllowlist) loadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var cidrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		cidrs = append(cidrs, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	al.networks.Store(al.parseCIDRs(cidrs))
	return nil
}

func (al *IPAllowlist) watchLoop() {
	defer al.wg.Done()

	for {
		select {
		case <-al.stopCh:
			return
		case event, ok := <-al.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := al.loadFromFile(al.config.ReloadFile); err != nil {
				al.logger.Error("allowlist reload failed", "file", al.config.ReloadFile, "error", err)
				continue
			}
			al.logger.Info("ip allowlist reloaded from file", "file", al.config.ReloadFile)
		case err, ok := <-al.watcher.Errors:
			if !ok {
				return
			}
			al.logger.Warn("allowlist watcher error", "error", err)
		}
	}
}

func mustParseCIDRs(cidrs ...string) []ParsedCIDR {
	parsed := make([]ParsedCIDR, 0, len(cidrs))
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid builtin CIDR %s: %v", c, err))
		}
		parsed = append(parsed, ParsedCIDR{Network: network, IsIPv6: strings.Contains(c, ":"), Original: c})
	}
	return parsed
}
