package bootstrap

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// pathRule is a single Allow/Disallow prefix rule from a robots.txt group.
type pathRule struct {
	prefix string
	allow  bool
}

// ruleSet is the resolved rule set for one user agent against one host's
// robots.txt, the decision structure Disallowed queries against.
type ruleSet struct {
	host       string
	rules      []pathRule
	crawlDelay *time.Duration
	sitemaps   []string
}

// userAgentGroup mirrors one "User-agent: ..." block of a robots.txt file.
type userAgentGroup struct {
	userAgents []string
	rules      []pathRule
	crawlDelay *time.Duration
}

// parseRobotsTxt parses raw robots.txt content into groups plus the global
// sitemap list, the way darc's bootstrap stage reads it once per host.
func parseRobotsTxt(content string) (groups []userAgentGroup, sitemaps []string) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	var current *userAgentGroup

	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}
		field := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])

		switch field {
		case "user-agent":
			if current == nil || len(current.rules) > 0 || current.crawlDelay != nil {
				if current != nil {
					groups = append(groups, *current)
				}
				current = &userAgentGroup{userAgents: []string{value}}
			} else {
				current.userAgents = append(current.userAgents, value)
			}
		case "allow":
			if current != nil && value != "" {
				current.rules = append(current.rules, pathRule{prefix: normalizePath(value), allow: true})
			}
		case "disallow":
			if current != nil && value != "" {
				current.rules = append(current.rules, pathRule{prefix: normalizePath(value), allow: false})
			}
		case "crawl-delay":
			if current != nil {
				var seconds float64
				if _, err := fmt.Sscanf(value, "%f", &seconds); err == nil && seconds >= 0 {
					d := time.Duration(seconds * float64(time.Second))
					current.crawlDelay = &d
				}
			}
		case "sitemap":
			if value != "" {
				sitemaps = append(sitemaps, value)
			}
		}
	}
	if current != nil {
		groups = append(groups, *current)
	}
	return groups, sitemaps
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// resolveRuleSet picks the most specific group matching userAgent, per the
// usual robots.txt precedence: exact match first, then longest matching
// prefix, then the wildcard group.
func resolveRuleSet(host string, groups []userAgentGroup, sitemaps []string, userAgent string) ruleSet {
	rs := ruleSet{host: host, sitemaps: sitemaps}

	var best *userAgentGroup
	bestLen := -1
	target := strings.ToLower(userAgent)
	for i := range groups {
		g := &groups[i]
		for _, ua := range g.userAgents {
			uaLower := strings.ToLower(ua)
			if uaLower == target {
				best = g
				bestLen = len(uaLower) + 1
				break
			}
			if ua == "*" {
				if bestLen < 0 {
					best = g
					bestLen = 0
				}
				continue
			}
			if strings.HasPrefix(target, uaLower) && len(uaLower) > bestLen {
				best = g
				bestLen = len(uaLower)
			}
		}
	}

	if best != nil {
		rs.rules = append([]pathRule(nil), best.rules...)
		rs.crawlDelay = best.crawlDelay
	}
	return rs
}

// Disallowed reports whether path is blocked by the rule set, using the
// longest-matching-rule-wins tie-break that real crawlers apply when both an
// Allow and a Disallow rule match the same path.
func (r ruleSet) Disallowed(path string) bool {
	bestLen := -1
	blocked := false
	for _, rule := range r.rules {
		if strings.HasPrefix(path, rule.prefix) && len(rule.prefix) > bestLen {
			bestLen = len(rule.prefix)
			blocked = !rule.allow
		}
	}
	return blocked
}

func (r ruleSet) CrawlDelay() *time.Duration { return r.crawlDelay }
func (r ruleSet) Sitemaps() []string         { return append([]string(nil), r.sitemaps...) }
