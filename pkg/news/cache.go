// Package news holds the deduplicating, timestamp-ordered news store fed by
// the live feed and the bulk backfill, and the paging the UI reads through.
package news

import (
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tradedesk/pkg/models"
)

// Cache is a set of news items keyed by venue-assigned id. Items are never
// deleted; growth is bounded only by process lifetime, and items survive feed
// reconnection.
type Cache struct {
	log *logrus.Logger

	mu    sync.RWMutex
	items map[string]models.NewsItem

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]func(models.NewsItem)
}

func NewCache(log *logrus.Logger) *Cache {
	return &Cache{
		log:   log,
		items: make(map[string]models.NewsItem),
		subs:  make(map[int]func(models.NewsItem)),
	}
}

// Ingest decodes and stores one live item. Inserting a duplicate id is a
// no-op for ordering and count; the content is overwritten (the live stream
// is authoritative for freshness). Subscribers only hear about new ids.
func (c *Cache) Ingest(raw []byte) error {
	item, err := decodeItem(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, existed := c.items[item.ID]
	c.items[item.ID] = item
	c.mu.Unlock()

	if !existed {
		c.notify(item)
	}
	return nil
}

// BulkIngest merges backfill items, skipping ids already present: the live
// feed wins over history for an id seen both ways.
func (c *Cache) BulkIngest(raws [][]byte) int {
	added := 0
	for _, raw := range raws {
		item, err := decodeItem(raw)
		if err != nil {
			c.log.WithError(err).Debug("Skipping malformed backfill item")
			continue
		}
		c.mu.Lock()
		if _, exists := c.items[item.ID]; !exists {
			c.items[item.ID] = item
			added++
		}
		c.mu.Unlock()
	}
	return added
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Page returns one page of items sorted by descending timestamp. Page numbers
// are 1-based; out-of-range pages clamp to the nearest valid page instead of
// erroring.
func (c *Cache) Page(page, size int) []models.NewsItem {
	return paginate(c.snapshot(nil), page, size)
}

// FilterPage composes a predicate with paging for symbol-scoped views.
func (c *Cache) FilterPage(pred func(models.NewsItem) bool, page, size int) []models.NewsItem {
	return paginate(c.snapshot(pred), page, size)
}

// SymbolFilter matches items mentioning the ticker in their symbol set,
// title, or body.
func SymbolFilter(symbol string) func(models.NewsItem) bool {
	needle := strings.ToUpper(symbol)
	return func(item models.NewsItem) bool {
		for _, s := range item.Symbols {
			if strings.ToUpper(s) == needle {
				return true
			}
		}
		return strings.Contains(strings.ToUpper(item.Title), needle) ||
			strings.Contains(strings.ToUpper(item.Body), needle)
	}
}

// OnItem registers a handler for newly seen items. Panics in one handler
// never reach its siblings.
func (c *Cache) OnItem(handler func(models.NewsItem)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = handler
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Cache) notify(item models.NewsItem) {
	c.subsMu.Lock()
	handlers := make([]func(models.NewsItem), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.subsMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("News subscriber panicked")
				}
			}()
			h(item)
		}()
	}
}

func (c *Cache) snapshot(pred func(models.NewsItem) bool) []models.NewsItem {
	c.mu.RLock()
	out := make([]models.NewsItem, 0, len(c.items))
	for _, item := range c.items {
		if pred == nil || pred(item) {
			out = append(out, item)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeMillis != out[j].TimeMillis {
			return out[i].TimeMillis > out[j].TimeMillis
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func paginate(items []models.NewsItem, page, size int) []models.NewsItem {
	if len(items) == 0 || size <= 0 {
		return nil
	}
	lastPage := (len(items) + size - 1) / size
	if page < 1 {
		page = 1
	}
	if page > lastPage {
		page = lastPage
	}
	start := (page - 1) * size
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
