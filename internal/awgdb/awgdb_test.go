package awgdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())

	// Records on an unconnected database are dropped without blocking.
	db.RecordEnumeration(&EnumerationMessage{ID: "e1", Start: time.Now()})
	db.RecordShot(&ShotMessage{ID: "s1", Occupancy: "10100"})
	db.RecordShot(nil)
	db.Disconnect()
	db.Done()
	db.Wait()
}

func TestNilConnection(t *testing.T) {
	var db *Connection
	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())
	db.RecordShot(&ShotMessage{ID: "s1"})
}

func TestRecordsAfterAbort(t *testing.T) {
	db := &Connection{}
	db.openChannels()
	db.Add(1)
	abort := make(chan struct{})
	go db.handleConnection(abort)

	assert.True(t, db.sendEnumeration(&EnumerationMessage{ID: "e1"}))
	assert.True(t, db.sendShot(&ShotMessage{ID: "s1"}))

	close(abort)
	db.Wait()
	sent := make(chan bool)
	go func() {
		sent <- db.sendEnumeration(&EnumerationMessage{ID: "e2"}) || db.sendShot(&ShotMessage{ID: "s2"})
	}()
	select {
	case ok := <-sent:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("record blocked after the handler stopped")
	}
}
