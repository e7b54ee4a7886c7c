package domain

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogAppendBelowCapacity(t *testing.T) {
	t.Parallel()

	log := NewEventLog()
	for i := 0; i < 3; i++ {
		log.Append(ConnectionEvent{Kind: EventConnect, Detail: fmt.Sprintf("conn %d", i), At: time.Now()})
	}

	require.Equal(t, 3, log.Len())
	events := log.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "conn 0", events[0].Detail)
	assert.Equal(t, "conn 2", events[2].Detail)
}

func TestEventLogEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	log := NewEventLog()
	for i := 0; i < EventLogCap+10; i++ {
		log.Append(ConnectionEvent{Kind: EventReconnect, Detail: fmt.Sprintf("ev %d", i)})
	}

	require.Equal(t, EventLogCap, log.Len())
	events := log.Snapshot()
	require.Len(t, events, EventLogCap)
	// The first 10 entries were evicted; order stays chronological.
	assert.Equal(t, "ev 10", events[0].Detail)
	assert.Equal(t, fmt.Sprintf("ev %d", EventLogCap+9), events[EventLogCap-1].Detail)
}

func TestEventLogConcurrentAppend(t *testing.T) {
	t.Parallel()

	log := NewEventLog()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Append(ConnectionEvent{Kind: EventError})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, EventLogCap, log.Len())
}
