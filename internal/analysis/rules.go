package analysis

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/oicur0t/loglens/internal/config"
)

// maxAgentLength is the longest user agent considered well-formed
const maxAgentLength = 1024

// productToken matches a "product/version" token such as Mozilla/5.0
var productToken = regexp.MustCompile("(?:^|[\\s(;])[!#$%&'*+.^_`|~0-9A-Za-z-]+/[0-9A-Za-z][^\\s/;()]*")

// Ruleset is the compiled, read-only form of config.Rules shared by all requests
type Ruleset struct {
	blacklist       []netip.Prefix
	signatures      []string
	sensitivePaths  []string
	agentSignatures []string
}

// NewRuleset compiles rules. Text signatures are matched case-insensitively.
func NewRuleset(rules config.Rules) (*Ruleset, error) {
	rs := &Ruleset{
		blacklist:       make([]netip.Prefix, 0, len(rules.IPBlacklist)),
		signatures:      lowerAll(rules.Signatures),
		sensitivePaths:  lowerAll(rules.SensitivePaths),
		agentSignatures: lowerAll(rules.AgentSignatures),
	}

	for _, entry := range rules.IPBlacklist {
		entry = strings.TrimSpace(entry)
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			rs.blacklist = append(rs.blacklist, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid ip_blacklist entry %q", entry)
		}
		addr = addr.Unmap()
		rs.blacklist = append(rs.blacklist, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return rs, nil
}

// blacklistedBy returns the blacklist entry containing raw, if any
func (rs *Ruleset) blacklistedBy(raw string) (netip.Prefix, bool) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	for _, p := range rs.blacklist {
		if p.Contains(addr) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// signaturesIn returns every signature contained in text
func (rs *Ruleset) signaturesIn(text string) []string {
	return containedIn(strings.ToLower(text), rs.signatures)
}

// isSensitive reports whether path touches a sensitive endpoint
func (rs *Ruleset) isSensitive(path string) bool {
	return len(containedIn(strings.ToLower(path), rs.sensitivePaths)) > 0
}

// classifyAgent returns a non-empty reason when agent looks automated or malformed
func (rs *Ruleset) classifyAgent(agent string) string {
	trimmed := strings.TrimSpace(agent)
	if trimmed == "" || trimmed == "-" {
		return "empty user agent"
	}
	if sigs := containedIn(strings.ToLower(trimmed), rs.agentSignatures); len(sigs) > 0 {
		return "matches signature " + sigs[0]
	}
	if len(agent) > maxAgentLength {
		return "user agent too long"
	}
	if !utf8.ValidString(agent) || strings.IndexFunc(agent, func(r rune) bool { return !unicode.IsPrint(r) }) >= 0 {
		return "non-printable characters"
	}
	if !productToken.MatchString(trimmed) {
		return "no product/version token"
	}
	return ""
}

func containedIn(text string, needles []string) []string {
	var found []string
	for _, n := range needles {
		if strings.Contains(text, n) {
			found = append(found, n)
		}
	}
	return found
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
