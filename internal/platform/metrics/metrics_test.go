package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot(t *testing.T) {
	c := New()
	c.Record(200, 10*time.Millisecond)
	c.Record(500, 30*time.Millisecond)
	c.Record(429, 0)
	c.RecordCreated()
	c.RecordConflict()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTransition("APPROVED")
		}()
	}
	wg.Wait()
	c.RecordTransition("PAID")

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap["requestsTotal"])
	assert.Equal(t, uint64(1), snap["errorsTotal"])
	assert.Equal(t, uint64(1), snap["rateLimitedTotal"])
	assert.InDelta(t, 40.0/3.0, snap["avgDurationMs"], 0.001)
	assert.Equal(t, uint64(1), snap["adjustmentsCreated"])
	assert.Equal(t, uint64(1), snap["transitionConflicts"])
	assert.Equal(t, map[string]uint64{"APPROVED": 10, "PAID": 1}, snap["transitionsTotal"])
}
