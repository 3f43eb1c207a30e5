// Package wavedump writes synthesized waveforms to numpy .npy files for
// offline inspection, one file per card channel.
package wavedump

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sbinet/npyio"
)

// Dumper writes waveform files under one directory.
type Dumper struct {
	Dir string
}

// New returns a Dumper writing to dir, creating it if needed.
func New(dir string) (*Dumper, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	return &Dumper{Dir: dir}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Filename returns the path for channel ch of the waveform called name.
func (d *Dumper) Filename(name string, ch int) string {
	return filepath.Join(d.Dir, fmt.Sprintf("%s_ch%d.npy", unsafeChars.ReplaceAllString(name, "_"), ch))
}

// Write stores each channel buffer as a 1-D int16 array and returns the paths written.
func (d *Dumper) Write(name string, channels ...[]int16) ([]string, error) {
	paths := make([]string, 0, len(channels))
	for ch, samples := range channels {
		path := d.Filename(name, ch)
		if err := writeFile(path, samples); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, samples []int16) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(fp, samples); err != nil {
		fp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return fp.Close()
}

// Read loads one channel file written by Write.
func Read(path string) ([]int16, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	var samples []int16
	if err := npyio.Read(fp, &samples); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return samples, nil
}
