package ksis

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// BlacklistSection is the INI section holding blacklist entries.
const BlacklistSection = "Blacklist"

// Match reasons reported by MatchReason.
const (
	MatchHost   = "host"
	MatchURL    = "url"
	MatchPrefix = "prefix"
)

// Blacklist is an immutable set of blocked hosts and URLs. It is built once
// at startup and shared by every connection without locking.
type Blacklist struct {
	entries []string
	set     map[string]struct{}

	// entries that start with "http" and are matched as literal URL prefixes
	prefixes []string
}

// NewBlacklist builds a Blacklist from the given entries. Empty strings
// are ignored and duplicates collapse.
func NewBlacklist(entries ...string) *Blacklist {
	bl := &Blacklist{set: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		if e == "" {
			continue
		}
		if _, dup := bl.set[e]; dup {
			continue
		}
		bl.set[e] = struct{}{}
		bl.entries = append(bl.entries, e)
		if strings.HasPrefix(e, "http") {
			bl.prefixes = append(bl.prefixes, e)
		}
	}
	slices.Sort(bl.entries)
	return bl
}

// LoadBlacklist reads the [Blacklist] section of an INI file. Any failure
// is logged and yields an empty Blacklist so the proxy keeps running
// unfiltered.
func LoadBlacklist(path string, logger *slog.Logger) *Blacklist {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("blacklist not loaded, filtering disabled", "path", path, "error", err)
		return NewBlacklist()
	}
	defer func() { _ = f.Close() }()

	bl, err := LoadBlacklistFromReader(f)
	if err != nil {
		logger.Warn("blacklist not loaded, filtering disabled", "path", path, "error", err)
		return NewBlacklist()
	}

	logger.Info("loaded blacklist", "path", path, "entries", bl.Len())
	return bl
}

var errNoBlacklistSection = errors.New("no [" + BlacklistSection + "] section")

// LoadBlacklistFromReader parses INI data and returns every key of the
// [Blacklist] section whose value is truthy. Keys are lowercased. Only '='
// separates keys from values so URL keys containing ':' stay intact.
func LoadBlacklistFromReader(r io.Reader) (*Blacklist, error) {
	v := viper.NewWithOptions(viper.IniLoadOptions(ini.LoadOptions{
		KeyValueDelimiters: "=",
	}))
	v.SetConfigType("ini")

	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}

	section := strings.ToLower(BlacklistSection)
	if !v.IsSet(section) {
		return nil, errNoBlacklistSection
	}

	var entries []string
	for key, value := range v.GetStringMapString(section) {
		if isTruthy(value) {
			entries = append(entries, key)
		}
	}
	return NewBlacklist(entries...), nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "on":
		return true
	}
	return false
}

// Len returns the number of entries.
func (bl *Blacklist) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.entries)
}

// Entries returns a sorted copy of the entries.
func (bl *Blacklist) Entries() []string {
	if bl == nil {
		return nil
	}
	return slices.Clone(bl.entries)
}

// Match reports whether target, an absolute URI, is blocked.
func (bl *Blacklist) Match(target string) bool {
	blocked, _ := bl.MatchReason(target)
	return blocked
}

// MatchReason is Match that also reports which check fired: the host equals
// an entry, the whole URL equals an entry, or an entry starting with "http"
// is a literal prefix of the URL. There is no case folding and no
// wildcard or subdomain matching.
func (bl *Blacklist) MatchReason(target string) (bool, string) {
	if bl.Len() == 0 {
		return false, ""
	}

	if _, ok := bl.set[targetHost(target)]; ok {
		return true, MatchHost
	}
	if _, ok := bl.set[target]; ok {
		return true, MatchURL
	}
	for _, p := range bl.prefixes {
		if strings.HasPrefix(target, p) {
			return true, MatchPrefix
		}
	}
	return false, ""
}

// targetHost extracts the authority of an absolute URI and strips a
// trailing :port.
func targetHost(target string) string {
	authority := target
	if i := strings.Index(authority, "://"); i >= 0 {
		authority = authority[i+3:]
	} else {
		return ""
	}
	if i := strings.IndexAny(authority, "/?#"); i >= 0 {
		authority = authority[:i]
	}
	if i := strings.LastIndexByte(authority, ':'); i >= 0 && !strings.Contains(authority[i:], "]") {
		authority = authority[:i]
	}
	return authority
}
