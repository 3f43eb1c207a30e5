package awgdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the tweezeractivity table.
type ActivityMessage struct {
	ID          string
	Hostname    string
	Githash     string
	Version     string
	GoVersion   string
	CPUs        int
	SampleRate  float64
	NumChannels int
	Start       time.Time
	End         time.Time
}

// EnumerationMessage is the information required to make an entry in the
// enumerations table: one per CalculateAllMoves pass.
type EnumerationMessage struct {
	ID         string
	ActivityID string
	Mode       string
	NInitial   int
	NTarget    int
	Waveforms  int
	Segments   int
	Corrected  int
	Armed      bool
	Start      time.Time
	End        time.Time
}

// ShotMessage is one row of the shots table.
type ShotMessage struct {
	ID            string
	EnumerationID string
	Occupancy     string
	MoveKey       string
	Outcome       string
	LatencyUs     int64
	Time          time.Time
}
