// Package awgdb records daemon activity, enumeration passes and shots in a
// ClickHouse database.
package awgdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a (possibly absent) link to the database. All Record methods
// are no-ops unless the connection is up, so callers need not check.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	enummsg       chan *EnumerationMessage
	shotmsg       chan *ShotMessage
	done          chan struct{} // closed when the handler stops taking records
	sync.WaitGroup
}

const databaseName = "tweezer" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether records will reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the last database error, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer connects once and prints the server version.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects, records the start of activity and handles
// records until abort is closed.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	conn := createDBConnection()
	conn.activityEntry = activity
	conn.logActivity()
	if conn.conn != nil {
		go conn.handleConnection(abort)
	}
	return conn
}

// DummyDBConnection returns a connection that records nothing.
func DummyDBConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createDBConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("TWEEZER_DB_USER"),
		Password: os.Getenv("TWEEZER_DB_PASSWORD"),
	}
	addr := os.Getenv("TWEEZER_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "tweezerd", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.openChannels()
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	return db
}

func (db *Connection) openChannels() {
	db.enummsg = make(chan *EnumerationMessage)
	db.shotmsg = make(chan *ShotMessage)
	db.done = make(chan struct{})
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO tweezeractivity VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion, ae.CPUs,
		ae.SampleRate, ae.NumChannels, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into tweezeractivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.done)
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case m := <-db.enummsg:
			db.handleEnumerationMessage(m)
		case m := <-db.shotmsg:
			db.handleShotMessage(m)
		}
	}
}

// Disconnect records the end of activity.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordEnumeration stores one enumeration pass. It blocks until the handler
// accepts the message, so the pass is entered before any of its shots.
// Records made after the handler stops are dropped.
func (db *Connection) RecordEnumeration(msg *EnumerationMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sendEnumeration(msg)
}

// RecordShot stores one shot without blocking the caller.
func (db *Connection) RecordShot(msg *ShotMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go db.sendShot(msg)
}

func (db *Connection) sendEnumeration(msg *EnumerationMessage) bool {
	select {
	case db.enummsg <- msg:
		return true
	case <-db.done:
		return false
	}
}

func (db *Connection) sendShot(msg *ShotMessage) bool {
	select {
	case db.shotmsg <- msg:
		return true
	case <-db.done:
		return false
	}
}

func (db *Connection) handleEnumerationMessage(m *EnumerationMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO enumerations VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Mode, m.NInitial, m.NTarget, m.Waveforms, m.Segments,
		m.Corrected, m.Armed, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into enumerations ", err)
		db.err = err
	}
}

func (db *Connection) handleShotMessage(m *ShotMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO shots VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.EnumerationID, m.Occupancy, m.MoveKey, m.Outcome, m.LatencyUs, m.Time.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into shots ", err)
		db.err = err
	}
}
