package tweezer

import (
	"log"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// Portnumbers structs can contain all TCP port numbers used by tweezerd.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by tweezerd.
var Ports Portnumbers

// DefaultBasePort is the RPC port unless configured otherwise.
const DefaultBasePort = 5600

// SetPortnumbers assigns the RPC port base and the status port base+1.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ActivityID identifies this run of the daemon in database records.
var ActivityID string

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(DefaultBasePort)
	StartTime = time.Now()
	ActivityID = ulid.Make().String()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
