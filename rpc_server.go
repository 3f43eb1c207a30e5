package tweezer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
	"github.com/tweezerlab/tweezer/awgcard"
	"github.com/tweezerlab/tweezer/internal/awgdb"
	"github.com/tweezerlab/tweezer/internal/wavedump"
	"github.com/tweezerlab/tweezer/waveform"
)

// RearrControl is the sub-server that handles configuration and operation of
// the rearrangement sequence.
type RearrControl struct {
	rearr *Rearranger
}

// NewRearrControl returns the RPC service for rearr.
func NewRearrControl(rearr *Rearranger) *RearrControl {
	return &RearrControl{rearr: rearr}
}

// LoadConfig reads and installs a rearrangement configuration file.
func (s *RearrControl) LoadConfig(filename *string, reply *bool) error {
	err := s.rearr.LoadConfig(*filename)
	*reply = err == nil
	if err == nil {
		viper.Set("rearrconfig", *filename)
		s.broadcastConfig()
	}
	return err
}

// SaveConfig writes the active configuration to a file.
func (s *RearrControl) SaveConfig(filename *string, reply *bool) error {
	err := s.rearr.SaveConfig(*filename)
	*reply = err == nil
	return err
}

// SetConfig installs a configuration sent by the client.
func (s *RearrControl) SetConfig(cfg *RearrConfig, reply *bool) error {
	err := s.rearr.SetConfig(cfg)
	*reply = err == nil
	if err == nil {
		s.broadcastConfig()
	}
	return err
}

// GetConfig returns the active configuration.
func (s *RearrControl) GetConfig(dummy *string, reply *RearrConfig) error {
	*reply = s.rearr.Config()
	return nil
}

// CalculateAllMoves rebuilds the moves dictionary and loads the card.
func (s *RearrControl) CalculateAllMoves(dummy *string, reply *EnumerationReport) error {
	report, err := s.rearr.CalculateAllMoves()
	*reply = report
	s.broadcastStatus()
	return err
}

// Rearrange handles one shot's occupancy string. Skipped shots, missing keys
// and failed writes are reported in the reply; only a rejected shot (disabled,
// enumerating, no dictionary) is an RPC error.
func (s *RearrControl) Rearrange(occupancy *string, reply *ShotResult) error {
	result, err := s.rearr.Rearrange(*occupancy)
	*reply = result
	if result.Outcome == OutcomeRejected {
		return err
	}
	return nil
}

// SetEnabled switches rearrangement on or off.
func (s *RearrControl) SetEnabled(on *bool, reply *bool) error {
	s.rearr.SetEnabled(*on)
	log.Printf("Rearrangement enabled=%t", *on)
	*reply = true
	s.broadcastStatus()
	return nil
}

// SetRearrFreqAmps sets the rearrangement amplitudes: "default" or a number.
func (s *RearrControl) SetRearrFreqAmps(amp *string, reply *bool) error {
	a, err := ParseAmpSetting(*amp)
	if err == nil {
		err = s.rearr.SetRearrFreqAmps(a)
	}
	*reply = err == nil
	if err == nil {
		s.broadcastConfig()
	}
	return err
}

// AppendStaticArgs holds the arguments to AppendStatic.
type AppendStaticArgs struct {
	FreqsMHz   []float64
	Fracs      []float64
	DurationMs float64
}

// AppendStatic adds a static array after the sequence and replies with its segment.
func (s *RearrControl) AppendStatic(args *AppendStaticArgs, reply *int) error {
	fracs := args.Fracs
	if len(fracs) == 0 && len(args.FreqsMHz) > 0 {
		fracs = make([]float64, len(args.FreqsMHz))
		for i := range fracs {
			fracs[i] = 1 / float64(len(fracs))
		}
	}
	slot, err := s.rearr.AppendStatic(waveform.Tones{FreqsMHz: args.FreqsMHz, Fracs: fracs}, args.DurationMs)
	*reply = slot
	return err
}

// DumpWaveformsArgs holds the arguments to DumpWaveforms. Empty Keys means all.
type DumpWaveformsArgs struct {
	Dir  string
	Keys []string
}

// DumpWaveforms writes dictionary waveforms to .npy files and replies with
// the number of files written.
func (s *RearrControl) DumpWaveforms(args *DumpWaveformsArgs, reply *int) error {
	dict := s.rearr.Dictionary()
	if dict == nil {
		return ErrNoDictionary
	}
	keys := dict.Keys()
	if len(args.Keys) > 0 {
		keys = keys[:0]
		for _, text := range args.Keys {
			k, err := ParseMoveKey(text)
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
	}
	dumper, err := wavedump.New(args.Dir)
	if err != nil {
		return err
	}
	*reply = 0
	for _, k := range keys {
		e, ok := dict.Lookup(k)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMoveNotFound, k)
		}
		paths, err := dumper.Write(k.String(), e.Channels...)
		*reply += len(paths)
		if err != nil {
			return err
		}
	}
	log.Printf("Dumped %d waveform files to %s", *reply, args.Dir)
	return nil
}

// Status replies with the rearranger status.
func (s *RearrControl) Status(dummy *string, reply *Status) error {
	*reply = s.rearr.Status()
	return nil
}

func (s *RearrControl) broadcastStatus() {
	publishUpdate("STATUS", s.rearr.Status())
}

func (s *RearrControl) broadcastConfig() {
	publishUpdate("REARRCONFIG", s.rearr.Config())
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *RearrControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	s.broadcastConfig()
	publishUpdate("SENDALL", 0)
	*reply = true
	return nil
}

// CardSettings is the "card" section of the daemon config file.
type CardSettings struct {
	SampleRate  float64
	Channels    int
	MaxSegments int
}

// DefaultCardSettings are used for anything the config file leaves out.
var DefaultCardSettings = CardSettings{SampleRate: awgcard.MaxSampleRate, Channels: 1, MaxSegments: awgcard.MaxSegments}

func cardSettings() CardSettings {
	cs := DefaultCardSettings
	if err := viper.UnmarshalKey("card", &cs); err != nil {
		ProblemLogger.Printf("could not read card settings: %v; using defaults", err)
		return DefaultCardSettings
	}
	return cs
}

// openSession opens the card described by cs.
func openSession(cs CardSettings) (*awgcard.Session, error) {
	driver, err := awgcard.NewNoHardware(cs.SampleRate, cs.Channels)
	if err != nil {
		return nil, err
	}
	session := awgcard.NewSession(driver)
	if err := session.SetSegmentLimit(cs.MaxSegments); err != nil {
		return nil, fmt.Errorf("card.maxsegments: %w", err)
	}
	log.Printf("Using card %T at %.4g S/s with %d channels and at most %d segments",
		driver, cs.SampleRate, cs.Channels, cs.MaxSegments)
	return session, nil
}

// openDatabase returns a live database connection when enabled, else a dummy.
func openDatabase(cs CardSettings, abort <-chan struct{}) *awgdb.Connection {
	if !viper.GetBool("database.enable") {
		return awgdb.DummyDBConnection()
	}
	activity := &awgdb.ActivityMessage{
		ID: ActivityID, Githash: Build.Githash, Version: Build.Version,
		SampleRate: cs.SampleRate, NumChannels: cs.Channels, Start: StartTime,
	}
	db := awgdb.StartDBConnection(activity, abort)
	if !db.IsConnected() {
		ProblemLogger.Printf("database not connected: %v", db.Err())
	}
	return db
}

// newRPCServer registers control on a fresh server.
func newRPCServer(control *RearrControl) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("RearrControl", control); err != nil {
		return nil, err
	}
	return server, nil
}

// serveConn handles JSON-RPC requests on one connection until it closes.
func serveConn(server *rpc.Server, conn io.ReadWriteCloser) {
	server.ServeCodec(jsonrpc.NewServerCodec(conn))
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. If block, it
// returns only when the listener fails or abort is closed.
func RunRPCServer(portrpc int, block bool, abort <-chan struct{}) error {
	cs := cardSettings()
	session, err := openSession(cs)
	if err != nil {
		return err
	}
	if err := CheckSystem(nil); err != nil {
		ProblemLogger.Printf("system check: %v", err)
	}

	db := openDatabase(cs, abort)
	rearr := NewRearranger(session, db)
	control := NewRearrControl(rearr)

	// Load stored settings
	log.Printf("tweezerd is using config file %s\n", viper.ConfigFileUsed())
	if fname := viper.GetString("rearrconfig"); fname != "" {
		var okay bool
		if err := control.LoadConfig(&fname, &okay); err != nil {
			ProblemLogger.Printf("could not load %s: %v", fname, err)
		}
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				control.broadcastStatus()
			}
		}
	}()

	server, err := newRPCServer(control)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()

	accept := func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept error: %w", err)
			}
			log.Printf("new connection established\n")
			go serveConn(server, conn)
		}
	}
	if block {
		err := accept()
		if db.IsConnected() {
			db.Wait()
		}
		return err
	}
	go accept()
	return nil
}
