// Command rearrclient sends commands to a running tweezerd over JSON-RPC, or
// prints the updates it publishes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/rpc/jsonrpc"
	"os"

	"github.com/pebbe/zmq4"
	"github.com/tweezerlab/tweezer"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: rearrclient [flags] command [argument]

commands:
  status                 print the rearranger status
  load FILE              load a rearrangement config file
  save FILE              save the active config
  calc                   enumerate all moves and load the card
  shot OCCUPANCY         rearrange for one occupancy string, e.g. 10100
  enable | disable       switch rearrangement on or off
  amps VALUE             set rearr_freq_amps ("default" or a number)
  dump DIR               write every waveform to .npy files in DIR
  watch                  print published status updates

flags:
`)
	flag.PrintDefaults()
}

func main() {
	host := flag.String("host", "localhost", "tweezerd host")
	base := flag.Int("port", tweezer.DefaultBasePort, "tweezerd base port (RPC); status is port+1")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, arg := flag.Arg(0), flag.Arg(1)

	if cmd == "watch" {
		if err := watch(fmt.Sprintf("tcp://%s:%d", *host, *base+1)); err != nil {
			log.Fatal(err)
		}
		return
	}

	client, err := jsonrpc.Dial("tcp", fmt.Sprintf("%s:%d", *host, *base))
	if err != nil {
		log.Fatal("dialing:", err)
	}
	defer client.Close()

	var okay bool
	dummy := ""
	var reply interface{} = &okay
	switch cmd {
	case "status":
		reply = new(tweezer.Status)
		err = client.Call("RearrControl.Status", &dummy, reply)
	case "load":
		err = client.Call("RearrControl.LoadConfig", &arg, &okay)
	case "save":
		err = client.Call("RearrControl.SaveConfig", &arg, &okay)
	case "calc":
		reply = new(tweezer.EnumerationReport)
		err = client.Call("RearrControl.CalculateAllMoves", &dummy, reply)
	case "shot":
		reply = new(tweezer.ShotResult)
		err = client.Call("RearrControl.Rearrange", &arg, reply)
	case "enable", "disable":
		on := cmd == "enable"
		err = client.Call("RearrControl.SetEnabled", &on, &okay)
	case "amps":
		err = client.Call("RearrControl.SetRearrFreqAmps", &arg, &okay)
	case "dump":
		var n int
		reply = &n
		err = client.Call("RearrControl.DumpWaveforms", &tweezer.DumpWaveformsArgs{Dir: arg}, &n)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
}

// watch subscribes to the status port and prints every update.
func watch(pubURL string) error {
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	defer sub.Close()
	if err := sub.Connect(pubURL); err != nil {
		return err
	}
	if err := sub.SetSubscribe(""); err != nil {
		return err
	}
	for {
		frames, err := sub.RecvMessage(0)
		if err != nil {
			return err
		}
		if len(frames) < 2 {
			continue
		}
		fmt.Printf("%-12s %s\n", frames[0], frames[1])
	}
}
