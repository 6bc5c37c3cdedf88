// Package catalog is the product lookup consumed by the dialogue machine.
// The dataset is a static YAML document embedded in the binary.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"support-agent/internal/domain"
)

//go:embed products.yaml
var embeddedProducts []byte

// genericTerms match every product. The service substitutes "product" for
// messages without text, so such a message lists the whole catalog.
var genericTerms = map[string]struct{}{
	"product":  {},
	"products": {},
}

// fillerTerms are ignored when matching: articles, pronouns and the action
// words customers wrap around a request ("add", "shortlist", "show me").
var fillerTerms = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "my": {}, "me": {}, "i": {}, "im": {},
	"want": {}, "need": {}, "some": {}, "any": {}, "for": {}, "of": {}, "in": {},
	"with": {}, "please": {}, "show": {}, "find": {}, "looking": {}, "get": {},
	"add": {}, "adds": {}, "added": {}, "adding": {}, "addon": {}, "addons": {}, "on": {},
	"shortlist": {}, "and": {}, "or": {}, "can": {}, "you": {}, "do": {},
	"have": {}, "is": {}, "are": {}, "it": {}, "this": {}, "that": {}, "more": {},
	"pair": {}, "pairs": {}, "buy": {}, "like": {}, "would": {},
}

// Catalog is an immutable, ordered product index.
type Catalog struct {
	products []domain.Product
	tokens   []map[string]struct{}
}

// New returns the catalog backed by the embedded dataset.
func New() (*Catalog, error) {
	return Parse(embeddedProducts)
}

// Parse decodes a YAML product list.
func Parse(data []byte) (*Catalog, error) {
	var products []domain.Product
	if err := yaml.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("catalog: decode products: %w", err)
	}
	return NewFromProducts(products)
}

// NewFromProducts indexes products in the given order.
func NewFromProducts(products []domain.Product) (*Catalog, error) {
	c := &Catalog{
		products: make([]domain.Product, 0, len(products)),
		tokens:   make([]map[string]struct{}, 0, len(products)),
	}
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		if strings.TrimSpace(p.ID) == "" {
			return nil, errors.New("catalog: product id must not be empty")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate product id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		c.products = append(c.products, p)
		c.tokens = append(c.tokens, haystack(p))
	}
	return c, nil
}

// Len returns the number of indexed products.
func (c *Catalog) Len() int { return len(c.products) }

// Search returns every product matching query, in catalog order.
func (c *Catalog) Search(query string) []domain.Product {
	terms := tokenize(query)
	var out []domain.Product
	for _, t := range terms {
		if _, ok := genericTerms[t]; ok {
			return append(out, c.products...)
		}
	}

	content := terms[:0]
	for _, t := range terms {
		if _, ok := fillerTerms[t]; !ok {
			content = append(content, t)
		}
	}
	if len(content) == 0 {
		return nil
	}

	for i, p := range c.products {
		if matchesAll(c.tokens[i], content) {
			out = append(out, p)
		}
	}
	return out
}

// Page walks the results of query starting at offset and returns up to limit
// products whose ids are not in exclude.
func (c *Catalog) Page(query string, offset, limit int, exclude []string) []domain.Product {
	if limit <= 0 {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	results := c.Search(query)
	if offset >= len(results) {
		return nil
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	page := make([]domain.Product, 0, limit)
	for _, p := range results[offset:] {
		if _, ok := skip[p.ID]; ok {
			continue
		}
		page = append(page, p)
		if len(page) == limit {
			break
		}
	}
	return page
}

func matchesAll(tokens map[string]struct{}, terms []string) bool {
	for _, t := range terms {
		if !hasTerm(tokens, t) {
			return false
		}
	}
	return true
}

// hasTerm tolerates a trailing plural "s" on either side.
func hasTerm(tokens map[string]struct{}, term string) bool {
	if _, ok := tokens[term]; ok {
		return true
	}
	if _, ok := tokens[term+"s"]; ok {
		return true
	}
	if len(term) > 3 && strings.HasSuffix(term, "s") {
		_, ok := tokens[strings.TrimSuffix(term, "s")]
		return ok
	}
	return false
}

func haystack(p domain.Product) map[string]struct{} {
	parts := []string{p.Title, p.Description}
	for _, a := range p.Attributes {
		parts = append(parts, a.Value)
	}
	set := make(map[string]struct{})
	for _, t := range tokenize(strings.Join(parts, " ")) {
		set[t] = struct{}{}
	}
	return set
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
