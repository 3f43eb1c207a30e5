package awgcard

import (
	"fmt"
	"unsafe"
)

// Interleave multiplexes per-channel buffers into the order the card reads
// them: sample j of every channel, then sample j+1.
func Interleave(channels ...[]int16) ([]int16, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channel buffers")
	}
	n := len(channels[0])
	for i, c := range channels {
		if len(c) != n {
			return nil, fmt.Errorf("channel %d has %d samples, channel 0 has %d", i, len(c), n)
		}
	}
	if len(channels) == 1 {
		return channels[0], nil
	}
	nch := len(channels)
	out := make([]int16, n*nch)
	for ch, c := range channels {
		for j, v := range c {
			out[j*nch+ch] = v
		}
	}
	return out, nil
}

// Deinterleave splits a multiplexed buffer back into nch channels.
func Deinterleave(data []int16, nch int) [][]int16 {
	n := len(data) / nch
	out := make([][]int16, nch)
	for ch := range out {
		out[ch] = make([]int16, n)
		for j := range out[ch] {
			out[ch][j] = data[j*nch+ch]
		}
	}
	return out
}

// bytesFromInt16 views d as raw bytes without copying.
func bytesFromInt16(d []int16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// int16FromBytes copies raw bytes into a new []int16.
func int16FromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	if len(out) == 0 {
		return out
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), 2*len(out)), b)
	return out
}
