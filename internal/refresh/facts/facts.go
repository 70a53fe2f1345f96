// Package facts produces the cosmetic fact cards shown while a refresh runs.
// Nothing here affects job outcomes.
package facts

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed deck.yaml
var defaultDeck []byte

// Template is one fact in the deck. {name} in the body is replaced with the
// location's display name.
type Template struct {
	Category string `yaml:"category"`
	Title    string `yaml:"title"`
	Body     string `yaml:"body"`
}

// Card is a rendered fact sent to clients.
type Card struct {
	ID         string    `json:"id"`
	LocationID string    `json:"locationId"`
	Category   string    `json:"category"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Deck is an ordered list of templates.
type Deck []Template

// DefaultDeck returns the embedded deck.
func DefaultDeck() (Deck, error) {
	return ParseDeck(defaultDeck)
}

// ParseDeck decodes a YAML list of templates.
func ParseDeck(data []byte) (Deck, error) {
	var d Deck
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse fact deck: %w", err)
	}
	if len(d) == 0 {
		return nil, fmt.Errorf("fact deck is empty")
	}
	return d, nil
}

// IDGenerator issues card ids. Each streamer owns its own generator.
type IDGenerator struct {
	prefix string
}

// NewIDGenerator returns a generator whose ids start with prefix.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns a new unique id.
func (g *IDGenerator) Next() string {
	if g.prefix == "" {
		return uuid.NewString()
	}
	return g.prefix + "-" + uuid.NewString()
}

// Generator walks the deck per location, starting at an offset derived from
// the location id so neighbouring locations do not show the same card first.
type Generator struct {
	deck Deck
	ids  *IDGenerator
	now  func() time.Time

	mu     sync.Mutex
	cursor map[string]int
}

// NewGenerator creates a generator over deck.
func NewGenerator(deck Deck, ids *IDGenerator) *Generator {
	if ids == nil {
		ids = NewIDGenerator("fact")
	}
	return &Generator{
		deck:   deck,
		ids:    ids,
		now:    func() time.Time { return time.Now().UTC() },
		cursor: make(map[string]int),
	}
}

// Next renders the next card for the location.
func (g *Generator) Next(locationID, name string) Card {
	g.mu.Lock()
	pos, ok := g.cursor[locationID]
	if !ok {
		pos = startOffset(locationID, len(g.deck))
	}
	g.cursor[locationID] = pos + 1
	g.mu.Unlock()

	t := g.deck[pos%len(g.deck)]
	if name == "" {
		name = "this location"
	}
	return Card{
		ID:         g.ids.Next(),
		LocationID: locationID,
		Category:   t.Category,
		Title:      t.Title,
		Body:       strings.ReplaceAll(t.Body, "{name}", name),
		CreatedAt:  g.now(),
	}
}

func startOffset(id string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}
