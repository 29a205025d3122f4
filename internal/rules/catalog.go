package rules

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Merchant categories referenced by the built-in rules.
const (
	CategoryCoffeeShop = "coffee-shop"
	CategoryRideshare  = "rideshare"
	CategoryGrocery    = "grocery"
)

// Catalog maps merchant keywords to a display name and category. Entries are
// matched in order against the lower-cased merchant text, on whole words, so
// "shellfish" is not Shell.
type Catalog struct {
	entries  []domain.CatalogEntry
	patterns []*regexp.Regexp
}

// NewCatalog builds a catalog from entries. Keywords are lower-cased.
func NewCatalog(entries []domain.CatalogEntry) *Catalog {
	c := &Catalog{entries: make([]domain.CatalogEntry, 0, len(entries))}
	for _, e := range entries {
		e.Keyword = strings.ToLower(strings.TrimSpace(e.Keyword))
		if e.Keyword == "" {
			continue
		}
		c.entries = append(c.entries, e)
		c.patterns = append(c.patterns, keywordPattern(e.Keyword))
	}
	return c
}

var wordChar = regexp.MustCompile(`^\w$`)

// keywordPattern anchors kw on word boundaries at the edges that are word
// characters.
func keywordPattern(kw string) *regexp.Regexp {
	expr := regexp.QuoteMeta(kw)
	if wordChar.MatchString(kw[:1]) {
		expr = `\b` + expr
	}
	if wordChar.MatchString(kw[len(kw)-1:]) {
		expr += `\b`
	}
	return regexp.MustCompile(expr)
}

// DefaultCatalog returns the merchants known out of the box.
func DefaultCatalog() *Catalog {
	return NewCatalog([]domain.CatalogEntry{
		{Keyword: "whole foods", Display: "Whole Foods", Category: CategoryGrocery},
		{Keyword: "starbucks", Display: "Starbucks", Category: CategoryCoffeeShop},
		{Keyword: "amazon", Display: "Amazon", Category: "online-retail"},
		{Keyword: "target", Display: "Target", Category: "retail"},
		{Keyword: "walmart", Display: "Walmart", Category: "retail"},
		{Keyword: "best buy", Display: "Best Buy", Category: "electronics"},
		{Keyword: "shell", Display: "Shell", Category: "fuel"},
		{Keyword: "uber", Display: "Uber", Category: CategoryRideshare},
		{Keyword: "lyft", Display: "Lyft", Category: CategoryRideshare},
		{Keyword: "apple", Display: "Apple", Category: "electronics"},
		{Keyword: "stripe", Display: "Stripe", Category: "payments"},
		{Keyword: "mcdonalds", Display: "McDonalds", Category: "fast-food"},
		{Keyword: "mcdonald's", Display: "McDonalds", Category: "fast-food"},
	})
}

// Lookup finds the first entry whose keyword occurs in text as a whole word.
func (c *Catalog) Lookup(text string) (domain.CatalogEntry, bool) {
	lower := strings.ToLower(text)
	for i, re := range c.patterns {
		if re.MatchString(lower) {
			return c.entries[i], true
		}
	}
	return domain.CatalogEntry{}, false
}

// Category returns the merchant's category, or "" when unrecognized.
func (c *Catalog) Category(merchant string) string {
	if merchant == "" {
		return ""
	}
	e, ok := c.Lookup(merchant)
	if !ok {
		return ""
	}
	return e.Category
}

// Entries returns a copy of the catalog entries.
func (c *Catalog) Entries() []domain.CatalogEntry {
	return append([]domain.CatalogEntry(nil), c.entries...)
}
