package scenario

import (
	"errors"
	"strings"
)

var ErrNotFound = errors.New("scenario not found")

// Scenario describes the client persona the AI plays.
type Scenario struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Catalog is a read-only, ordered set of scenarios.
type Catalog struct {
	items []Scenario
	byID  map[string]Scenario
}

func NewCatalog(items []Scenario) *Catalog {
	c := &Catalog{byID: make(map[string]Scenario, len(items))}
	for _, s := range items {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			continue
		}
		if _, dup := c.byID[id]; dup {
			continue
		}
		s.ID = id
		c.items = append(c.items, s)
		c.byID[id] = s
	}
	return c
}

// Default returns the built-in client personas.
func Default() *Catalog {
	return NewCatalog([]Scenario{
		{ID: "hesitant", Title: "Client Hésitant", Description: "Le client montre de l'intérêt mais exprime des doutes et a besoin d'être rassuré."},
		{ID: "pressed", Title: "Client Pressé", Description: "Le client a peu de temps et veut aller droit au but."},
		{ID: "curious", Title: "Client Curieux", Description: "Le client pose beaucoup de questions techniques et de détail."},
		{ID: "budget", Title: "Client Sensible au Prix", Description: "Le client est très concerné par le budget et cherche la meilleure offre."},
	})
}

func (c *Catalog) List() []Scenario {
	out := make([]Scenario, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Catalog) Get(id string) (Scenario, error) {
	s, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Scenario{}, ErrNotFound
	}
	return s, nil
}
