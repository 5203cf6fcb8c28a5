// Package capability keeps a concurrent directory of known device
// capabilities. The multiplexer consults it at admission to normalize the
// class a device declares against what the directory knows.
package capability

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/btmux/pkg/bt"
)

// Directory maps device addresses to their known capabilities. Addresses are
// keyed by their canonical string form. Safe for concurrent use without
// external locking.
type Directory struct {
	entries *hashmap.Map[string, bt.Capabilities]
	logger  *logrus.Entry
}

// NewDirectory creates an empty directory.
func NewDirectory(logger *logrus.Logger) *Directory {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Directory{
		entries: hashmap.New[string, bt.Capabilities](),
		logger:  logger.WithField("component", "capability"),
	}
}

// Register records or replaces the capabilities for addr.
func (d *Directory) Register(addr bt.Addr, caps bt.Capabilities) {
	d.entries.Set(addr.String(), caps)
	d.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"class":   caps.Class.String(),
		"iot":     caps.IoT,
	}).Debug("capability registered")
}

// Forget drops the entry for addr, if any.
func (d *Directory) Forget(addr bt.Addr) {
	d.entries.Del(addr.String())
}

// Resolve returns the known capabilities for addr.
func (d *Directory) Resolve(addr bt.Addr) (bt.Capabilities, bool) {
	return d.entries.Get(addr.String())
}

// Len reports the number of registered devices.
func (d *Directory) Len() int {
	return d.entries.Len()
}

// Snapshot copies the directory into a plain map.
func (d *Directory) Snapshot() map[bt.Addr]bt.Capabilities {
	out := make(map[bt.Addr]bt.Capabilities, d.entries.Len())
	d.entries.Range(func(key string, caps bt.Capabilities) bool {
		addr, err := bt.ParseAddr(key)
		if err != nil {
			return true
		}
		out[addr] = caps
		return true
	})
	return out
}
