// Package predictor keeps a bounded history of recently departed devices so
// that the predictive-connect assist can prime a returning device's link
// estimate instead of starting cold.
package predictor

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/srg/btmux/pkg/bt"
)

// DefaultHistorySize bounds the departure history when the caller does not
// choose a size.
const DefaultHistorySize = 32

// Profile is what the history remembers about a departed device.
type Profile struct {
	Signal   float64
	Class    bt.DeviceClass
	LastSeen time.Time
}

// History is a bounded LRU of departure profiles keyed by device address.
// Safe for concurrent use.
type History struct {
	cache *lru.LRU[bt.Addr, Profile]
	log   *logrus.Entry
}

// New creates a History holding at most size profiles. Non-positive size
// falls back to DefaultHistorySize.
func New(size int, logger *logrus.Logger) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &History{
		cache: lru.NewLRU[bt.Addr, Profile](size, nil, 0),
		log:   logger.WithField("component", "predictor"),
	}
}

// Remember stores the departure profile for addr, displacing the least
// recently used entry when full.
func (h *History) Remember(addr bt.Addr, p Profile) {
	h.cache.Add(addr, p)
	h.log.WithFields(logrus.Fields{
		"address": addr.String(),
		"signal":  p.Signal,
	}).Debug("remembered departure profile")
}

// Recall returns the stored profile for addr and whether one exists. A hit
// refreshes the entry's recency.
func (h *History) Recall(addr bt.Addr) (Profile, bool) {
	return h.cache.Get(addr)
}

// Forget drops the profile for addr if present.
func (h *History) Forget(addr bt.Addr) {
	h.cache.Remove(addr)
}

// Len returns the number of stored profiles.
func (h *History) Len() int {
	return h.cache.Len()
}
