// Package catalog holds the channel lineup the tuner pool, guide-scan
// driver, and HTTP layer all read from: channel number, display name,
// broadcast frequency, and ATSC service (source) id.
package catalog

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Channel is one entry in the lineup, as parsed from the channels config.
type Channel struct {
	Number    string `json:"number"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`  // Hz, as written in the config (e.g. "177028615")
	ServiceID string `json:"service_id"` // ATSC source_id on that frequency's VCT
}

// Catalog is the mutex-guarded, swappable channel lineup. Reloading the
// channels config builds a new slice and Replace()s it atomically; readers
// never see a half-built lineup.
type Catalog struct {
	mu       sync.RWMutex
	channels []Channel
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{}
}

// Replace swaps in a new channel lineup.
func (c *Catalog) Replace(channels []Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = channels
}

// Snapshot returns a copy of the current lineup for read-only use.
func (c *Catalog) Snapshot() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Count reports the number of channels in the lineup.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// ByNumber returns the channel with the given number, or false if absent.
func (c *Catalog) ByNumber(number string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		if ch.Number == number {
			return ch, true
		}
	}
	return Channel{}, false
}

// UniqueFrequencies returns the distinct frequencies across the lineup, in
// ascending order, for the guide-scan driver to cycle through.
func (c *Catalog) UniqueFrequencies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool, len(c.channels))
	var out []string
	for _, ch := range c.channels {
		if ch.Frequency == "" || seen[ch.Frequency] {
			continue
		}
		seen[ch.Frequency] = true
		out = append(out, ch.Frequency)
	}
	sort.Strings(out)
	return out
}

// LoadChannels parses a channels config in the bracket-section format:
//
//	[Channel Name]
//	SERVICE_ID=7
//	FREQUENCY=177028615
//	VCHANNEL=7.1
//
// A section is only kept once its FREQUENCY key is seen (a section with no
// frequency is incomplete and dropped), matching the original loader's
// behavior.
func LoadChannels(path string) ([]Channel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Channel
	var cur *Channel

	flush := func() {
		if cur != nil && cur.Frequency != "" {
			out = append(out, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			name := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			cur = &Channel{Name: name}
			continue
		}
		if cur == nil {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		switch strings.ToUpper(key) {
		case "SERVICE_ID":
			cur.ServiceID = val
		case "FREQUENCY":
			cur.Frequency = val
		case "VCHANNEL":
			cur.Number = val
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("catalog: load channels: %w", err)
	}
	return out, nil
}

// Load reads path and replaces the catalog's lineup with the result.
func (c *Catalog) Load(path string) error {
	channels, err := LoadChannels(path)
	if err != nil {
		return err
	}
	c.Replace(channels)
	return nil
}
