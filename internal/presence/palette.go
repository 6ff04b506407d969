package presence

import (
	"math/rand/v2"
	"sync"
)

// Colors is the fixed participant palette.
var Colors = []string{
	"#EF4444", "#10B981", "#3B82F6", "#F59E0B", "#8B5CF6",
	"#EC4899", "#6366F1", "#14B8A6", "#F97316", "#84CC16",
}

var (
	adjectives = []string{"Creative", "Artistic", "Skilled", "Talented", "Inspired", "Focused", "Innovative"}
	nouns      = []string{"Artist", "Designer", "Creator", "Painter", "Sketcher", "Doodler", "Maker"}
)

// Palette deals colors without replacement in a seeded random order. When
// every color has been handed out the deck is reshuffled and reuse begins.
type Palette struct {
	mu     sync.Mutex
	colors []string
	deck   []string
	rng    *rand.Rand
}

func NewPalette(seed uint64) *Palette {
	return &Palette{
		colors: Colors,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *Palette) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.deck) == 0 {
		p.deck = append(p.deck[:0], p.colors...)
		p.rng.Shuffle(len(p.deck), func(i, j int) {
			p.deck[i], p.deck[j] = p.deck[j], p.deck[i]
		})
	}
	color := p.deck[len(p.deck)-1]
	p.deck = p.deck[:len(p.deck)-1]
	return color
}

// Name returns a display name such as "Creative Artist" for anonymous users.
func (p *Palette) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return adjectives[p.rng.IntN(len(adjectives))] + " " + nouns[p.rng.IntN(len(nouns))]
}
