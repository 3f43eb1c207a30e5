package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/spf13/viper"
	"github.com/tweezerlab/tweezer"
	"github.com/tweezerlab/tweezer/internal/awgdb"
	"github.com/tweezerlab/tweezer/waveform"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("ports.base", tweezer.DefaultBasePort)
	viper.SetDefault("card.samplerate", tweezer.DefaultCardSettings.SampleRate)
	viper.SetDefault("card.channels", tweezer.DefaultCardSettings.Channels)
	viper.SetDefault("card.maxsegments", tweezer.DefaultCardSettings.MaxSegments)
	viper.SetDefault("database.enable", false)
	viper.SetDefault("rearrconfig", "")

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotTweezer := filepath.Join(HOME, ".tweezer")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotTweezer, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/tweezer"))
	viper.AddConfigPath(dotTweezer)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Could not open log file '%s'", pfname))
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1)
	tweezer.Build.Date = buildDate
	tweezer.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("pingdb", false, "check the database server and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is tweezerd version %s\n", tweezer.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *pingDB {
		if err := awgdb.PingServer(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is tweezerd version %s (git commit %s)\n", tweezer.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	logdir := filepath.Join("$HOME", ".tweezer", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	tweezer.ProblemLogger = startLogger(problemname)
	tweezer.UpdateLogger = startLogger(logname)
	waveform.ProblemLogger = tweezer.ProblemLogger
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	tweezer.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	tweezer.SetPortnumbers(viper.GetInt("ports.base"))

	abort := make(chan struct{})
	catcher := make(chan os.Signal, 1)
	signal.Notify(catcher, os.Interrupt)
	go func() {
		sig := <-catcher
		log.Printf("Caught signal %v; shutting down", sig)
		close(abort)
	}()

	go func() {
		if err := tweezer.RunClientUpdater(tweezer.Ports.Status, abort); err != nil {
			tweezer.ProblemLogger.Printf("client updater: %v", err)
		}
	}()
	if err := tweezer.RunRPCServer(tweezer.Ports.RPC, true, abort); err != nil {
		log.Println(err)
	}
	writeMemoryProfile(*memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If memprofile is empty, do not write.
func writeMemoryProfile(memprofile string) {
	if memprofile == "" {
		return
	}
	f, err := os.Create(memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
