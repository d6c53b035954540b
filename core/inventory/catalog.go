// Package inventory holds a supplier's product catalog. Real stock
// quantities live here and are mutated only when a transaction commits;
// prepare-phase reservations are tracked separately by the participant store.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Product is one catalog entry. Quantity is the real, committed stock level.
type Product struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Available   bool    `json:"available"`
	Quantity    int     `json:"quantity"`
}

// Catalog is a mutex-guarded in-memory product table.
type Catalog struct {
	mu       sync.RWMutex
	products map[int64]Product
}

// NewCatalog builds a catalog from the given seed products.
func NewCatalog(products []Product) *Catalog {
	c := &Catalog{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// LoadCatalogFile reads a JSON array of products from path and builds a
// catalog from it.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return NewCatalog(products), nil
}

// Get returns the product with the given id.
func (c *Catalog) Get(id int64) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	return p, ok
}

// SetQuantity overwrites the committed stock level of a product. Called by
// the participant endpoint when a staged decrement is applied on commit.
func (c *Catalog) SetQuantity(id int64, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return fmt.Errorf("product %d not found", id)
	}
	p.Quantity = quantity
	c.products[id] = p
	return nil
}

// List returns every product, ordered by id.
func (c *Catalog) List() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
