package tweezer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientUpdateEncode(t *testing.T) {
	msg, err := ClientUpdate{"SHOT", ShotResult{Occupancy: "101", Key: "02m0", Outcome: OutcomeSwapped}}.encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Occupancy":"101","Key":"02m0","Outcome":"swapped","Error":"","LatencyUs":0}`, string(msg))

	_, err = ClientUpdate{"BAD", make(chan int)}.encode()
	assert.Error(t, err)
}

func TestPublishUpdateNeverBlocks(t *testing.T) {
	// Nothing drains the queue here, so old updates are dropped.
	before := DroppedUpdates()
	for i := 0; i < 3000; i++ {
		publishUpdate("STATUS", i)
	}
	assert.GreaterOrEqual(t, DroppedUpdates()-before, int64(1000))
}
