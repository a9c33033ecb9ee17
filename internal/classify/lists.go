package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/webtime/internal/domain"
)

// ListSet is one side of the static domain lists.
type ListSet struct {
	Category     string   `yaml:"category"`
	Domains      []string `yaml:"domains"`
	HostPrefixes []string `yaml:"host_prefixes"`
}

// Lists holds the productive and unproductive domain sets consulted by the first tier.
type Lists struct {
	Version      string  `yaml:"version"`
	Productive   ListSet `yaml:"productive"`
	Unproductive ListSet `yaml:"unproductive"`
}

// DefaultLists returns the built-in lists.
func DefaultLists() Lists {
	return Lists{
		Version: "builtin-1",
		Productive: ListSet{
			Category: "Development",
			Domains: []string{
				"github.com",
				"gitlab.com",
				"stackoverflow.com",
				"developer.mozilla.org",
				"pkg.go.dev",
				"chatgpt.com",
			},
			HostPrefixes: []string{"docs."},
		},
		Unproductive: ListSet{
			Category: "Entertainment",
			Domains: []string{
				"youtube.com",
				"netflix.com",
				"reddit.com",
				"instagram.com",
				"twitch.tv",
				"tiktok.com",
			},
		},
	}
}

// LoadLists reads a YAML file over the defaults. Sets present in the file replace the built-in ones.
func LoadLists(path string) (Lists, error) {
	lists := DefaultLists()
	if strings.TrimSpace(path) == "" {
		return lists, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Lists{}, fmt.Errorf("read domain lists %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return Lists{}, fmt.Errorf("parse domain lists %s: %w", path, err)
	}
	lists = lists.normalized()
	if err := lists.Validate(); err != nil {
		return Lists{}, err
	}
	return lists, nil
}

// Validate rejects lists whose productive and unproductive sets overlap, including a domain
// in one set that is a subdomain of a domain in the other.
func (l Lists) Validate() error {
	for _, p := range l.Productive.Domains {
		p = normalizeHost(p)
		for _, u := range l.Unproductive.Domains {
			u = normalizeHost(u)
			if p == "" || u == "" {
				continue
			}
			if coveredBy(u, p) || coveredBy(p, u) {
				return fmt.Errorf("domains %q (productive) and %q (unproductive) overlap", p, u)
			}
		}
	}
	prefixes := make(map[string]struct{}, len(l.Productive.HostPrefixes))
	for _, p := range l.Productive.HostPrefixes {
		prefixes[strings.ToLower(p)] = struct{}{}
	}
	for _, p := range l.Unproductive.HostPrefixes {
		if _, dup := prefixes[strings.ToLower(p)]; dup {
			return fmt.Errorf("host prefix %q is listed as both productive and unproductive", p)
		}
	}
	return nil
}

// Match returns the label and category for host, if either set lists it.
func (l Lists) Match(host string) (domain.Productivity, string, bool) {
	host = normalizeHost(host)
	if host == "" {
		return "", "", false
	}
	if l.Productive.matches(host) {
		return domain.ProductivityProductive, l.Productive.Category, true
	}
	if l.Unproductive.matches(host) {
		return domain.ProductivityUnproductive, l.Unproductive.Category, true
	}
	return "", "", false
}

func (s ListSet) matches(host string) bool {
	for _, d := range s.Domains {
		d = normalizeHost(d)
		if d == "" {
			continue
		}
		if coveredBy(host, d) {
			return true
		}
	}
	for _, p := range s.HostPrefixes {
		if p != "" && strings.HasPrefix(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// coveredBy reports whether host is parent or one of its subdomains: gist.github.com is
// covered by github.com.
func coveredBy(host, parent string) bool {
	return host == parent || strings.HasSuffix(host, "."+parent)
}

func (l Lists) normalized() Lists {
	out := l
	out.Productive.Domains = normalizeAll(l.Productive.Domains)
	out.Unproductive.Domains = normalizeAll(l.Unproductive.Domains)
	return out
}

func normalizeAll(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if n := normalizeHost(d); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}
