package tweezer

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest rearrangement state.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
	"github.com/tweezerlab/tweezer/internal/updatequeue"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientUpdates is bounded: when no publisher drains it, the oldest updates
// are dropped so that shots never wait on status traffic.
var clientUpdates = updatequeue.New[ClientUpdate](1000)

// publishUpdate queues an update for the status port.
func publishUpdate(tag string, state interface{}) {
	clientUpdates.In() <- ClientUpdate{tag, state}
}

// DroppedUpdates returns how many status messages were discarded unsent.
func DroppedUpdates() int64 {
	return clientUpdates.Dropped()
}

// tags that are too frequent for the update log
var quietTags = map[string]bool{"SHOT": true, "STATUS": true}

func (u ClientUpdate) encode() ([]byte, error) {
	msg, err := json.Marshal(u.state)
	if err != nil {
		return nil, fmt.Errorf("encoding %s update: %w", u.tag, err)
	}
	return msg, nil
}

// RunClientUpdater forwards queued updates to a ZMQ publisher socket on
// portstatus until abort is closed. Each update is a two-frame message: the
// tag, then the JSON state.
func RunClientUpdater(portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("client updater could not bind %s: %v", hostname, err)
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update := <-clientUpdates.Out():
			msg, err := update.encode()
			if err != nil {
				ProblemLogger.Print(err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, msg); err != nil {
				ProblemLogger.Printf("publishing %s: %v", update.tag, err)
				continue
			}
			if !quietTags[update.tag] {
				UpdateLogger.Printf("SEND %v %s", update.tag, msg)
			}
		}
	}
}
