package calendar

import (
	"strconv"
	"strings"
	"sync"

	"github.com/savegress/complycore/pkg/models"
)

// maxCachedCalendars bounds a Cache; the map is dropped when it fills up
const maxCachedCalendars = 256

// Cache reuses calendars across calls for identical regional settings, so
// time zones and holiday patterns are resolved once per distinct config.
// It is safe for concurrent use.
type Cache struct {
	mu        sync.RWMutex
	calendars map[string]*Calendar
}

// NewCache creates an empty calendar cache
func NewCache() *Cache {
	return &Cache{calendars: make(map[string]*Calendar)}
}

// ForRegional returns the cached calendar for rc, building it on first use.
// Build errors are not cached.
func (c *Cache) ForRegional(rc *models.RegionalConfig) (*Calendar, error) {
	key := cacheKey(rc)

	c.mu.RLock()
	cal, ok := c.calendars[key]
	c.mu.RUnlock()
	if ok {
		return cal, nil
	}

	cal, err := FromRegional(rc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.calendars[key]; ok {
		return existing, nil
	}
	if len(c.calendars) >= maxCachedCalendars {
		c.calendars = make(map[string]*Calendar)
	}
	c.calendars[key] = cal
	return cal, nil
}

// Len returns the number of cached calendars
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calendars)
}

// cacheKey covers every field FromRegional reads
func cacheKey(rc *models.RegionalConfig) string {
	var b strings.Builder
	b.WriteString(rc.Timezone)
	b.WriteByte(0)
	for _, wd := range rc.Workweek {
		b.WriteString(strconv.Itoa(int(wd)))
		b.WriteByte(',')
	}
	b.WriteByte(0)
	for _, h := range rc.Holidays {
		b.WriteString(h)
		b.WriteByte(',')
	}
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(rc.TTRDeadlineDays))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(rc.SMRDeadlineDays))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(rc.SMRUrgentHours))
	return b.String()
}
