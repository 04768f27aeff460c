package caster

import (
	"strings"
	"time"
)

// fanOut duplicates a byte run just read from source to every CLIENT agent
// bound to the same mountpoint (case-insensitive, full-string). It is
// called only from the core goroutine, so iterating c.clients here needs no
// extra synchronization; a failing write is tolerated for this round and
// does not close the client (the idle sweeper or the client's own read
// path reaps it later).
func fanOut(c *Caster, source *Agent, data []byte) {
	for _, client := range c.clients {
		if !strings.EqualFold(client.mountpoint, source.mountpoint) {
			continue
		}
		n, err := writeBestEffort(client.conn, data)
		if err != nil {
			continue
		}
		client.lastActivity = time.Now()
		client.outBytes += uint64(n)
		if c.metrics != nil {
			c.metrics.BytesOut(client.mountpoint, n)
		}
	}
}
