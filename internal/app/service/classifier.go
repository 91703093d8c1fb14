package service

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
)

// signature is a lowercase user-agent substring and the label it yields.
type signature struct {
	pattern string
	label   string
}

// Classifier decides device, browser, OS and bot status for a request and
// whether the request is excluded from tracking. It holds no state beyond
// its compiled configuration and is safe for concurrent use.
type Classifier struct {
	detectBots    bool
	trackBots     bool
	detectBrowser bool
	detectOS      bool

	bots     []signature
	tablets  []signature
	mobiles  []signature
	browsers []signature
	systems  []signature

	paths  []glob.Glob
	ips    []ipRule
	agents []string
}

// NewClassifier compiles the classification and exclusion rules of cfg.
func NewClassifier(cfg config.TrackingConfig) (*Classifier, error) {
	c := &Classifier{
		detectBots:    cfg.DetectBots,
		trackBots:     cfg.TrackBots,
		detectBrowser: cfg.DetectBrowser,
		detectOS:      cfg.DetectOS,
		bots:          markers(cfg.BotSignatures),
		tablets:       markers(cfg.TabletSignatures),
		mobiles:       markers(cfg.MobileSignatures),
		browsers:      labelled(cfg.Browsers),
		systems:       labelled(cfg.OperatingSystems),
		agents:        lowerAll(cfg.ExcludedUserAgents),
	}

	for _, pattern := range cfg.ExcludedPaths {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile excluded path %q: %w", pattern, err)
		}
		c.paths = append(c.paths, g)
	}

	for _, entry := range cfg.ExcludedIPs {
		rule, err := parseIPRule(entry)
		if err != nil {
			return nil, err
		}
		c.ips = append(c.ips, rule)
	}

	return c, nil
}

// ShouldExclude reports whether req must not be tracked.
func (c *Classifier) ShouldExclude(req model.TrackingRequest) bool {
	return c.ExcludedPath(req.Path) ||
		c.ExcludedIP(req.IP) ||
		c.ExcludedUserAgent(req.UserAgent) ||
		(!c.trackBots && c.IsBot(req.UserAgent))
}

// ExcludedPath matches path against the exclusion globs. Matching is case
// sensitive and '*' also spans '/'.
func (c *Classifier) ExcludedPath(path string) bool {
	for _, g := range c.paths {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// ExcludedIP matches ip against the exact and CIDR exclusion entries.
func (c *Classifier) ExcludedIP(ip string) bool {
	if ip == "" || len(c.ips) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		for _, rule := range c.ips {
			if rule.raw == ip {
				return true
			}
		}
		return false
	}
	addr = addr.Unmap()
	for _, rule := range c.ips {
		if rule.matches(addr) {
			return true
		}
	}
	return false
}

// ExcludedUserAgent reports whether ua contains an excluded substring,
// ignoring case.
func (c *Classifier) ExcludedUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, s := range c.agents {
		if s != "" && strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsBot reports whether ua carries a bot signature. It is always false when
// bot detection is off.
func (c *Classifier) IsBot(ua string) bool {
	if !c.detectBots {
		return false
	}
	_, ok := firstMatch(strings.ToLower(ua), c.bots)
	return ok
}

// ClassifyDevice derives the DeviceInfo of a user agent. An empty user
// agent yields a desktop with unknown browser and OS.
func (c *Classifier) ClassifyDevice(ua string) model.DeviceInfo {
	lower := strings.ToLower(ua)
	info := model.DeviceInfo{
		DeviceType: model.DeviceDesktop,
		IsBot:      c.IsBot(ua),
	}

	// Tablets often also carry mobile markers.
	if _, ok := firstMatch(lower, c.tablets); ok {
		info.DeviceType = model.DeviceTablet
	} else if _, ok := firstMatch(lower, c.mobiles); ok {
		info.DeviceType = model.DeviceMobile
	}

	if c.detectBrowser {
		if label, ok := firstMatch(lower, c.browsers); ok {
			info.BrowserFamily = &label
		}
	}
	if c.detectOS {
		if label, ok := firstMatch(lower, c.systems); ok {
			info.OSFamily = &label
		}
	}
	return info
}

// firstMatch returns the label of the first signature contained in the
// lowercase haystack.
func firstMatch(haystack string, sigs []signature) (string, bool) {
	if haystack == "" {
		return "", false
	}
	for _, s := range sigs {
		if s.pattern != "" && strings.Contains(haystack, s.pattern) {
			return s.label, true
		}
	}
	return "", false
}

func markers(patterns []string) []signature {
	out := make([]signature, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(p)
		out = append(out, signature{pattern: p, label: p})
	}
	return out
}

func labelled(sigs []config.Signature) []signature {
	out := make([]signature, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, signature{pattern: strings.ToLower(s.Pattern), label: s.Label})
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}

// ipRule is one exclusion entry: an exact address, a CIDR block, or a raw
// string compared verbatim when it is not an address at all.
type ipRule struct {
	raw    string
	prefix netip.Prefix
	// IPv4 blocks are matched as (ip & mask) == (subnet & mask).
	v4     bool
	subnet uint32
	mask   uint32
}

func parseIPRule(entry string) (ipRule, error) {
	entry = strings.TrimSpace(entry)
	rule := ipRule{raw: entry}

	if !strings.Contains(entry, "/") {
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return rule, nil
		}
		rule.prefix = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
	} else {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return ipRule{}, fmt.Errorf("parse excluded ip %q: %w", entry, err)
		}
		rule.prefix = prefix
	}

	if addr := rule.prefix.Addr(); addr.Is4() {
		rule.v4 = true
		rule.mask = ipv4Mask(rule.prefix.Bits())
		rule.subnet = ipv4ToUint32(addr)
	}
	return rule, nil
}

func (r ipRule) matches(addr netip.Addr) bool {
	if !r.prefix.IsValid() {
		return false
	}
	if r.v4 {
		return addr.Is4() && ipv4ToUint32(addr)&r.mask == r.subnet&r.mask
	}
	return r.prefix.Contains(addr)
}

func ipv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func ipv4Mask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}
