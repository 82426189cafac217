// Package testutil provides shared test helpers for reading back the
// teleinformation byte stream.
//
// The decoder here is deliberately independent of package teleinfo so tests
// can check the encoder against a second implementation of the format.
package testutil

import (
	"bytes"
	"fmt"
	"testing"
)

// Group is one decoded data group.
type Group struct {
	Name     string
	Value    string
	Checksum byte
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// SplitFrames returns every complete STX...ETX frame in stream, delimiters
// included. Bytes before the first STX and after the last ETX are ignored.
func SplitFrames(stream []byte) [][]byte {
	var frames [][]byte
	for {
		start := bytes.IndexByte(stream, 0x02)
		if start < 0 {
			return frames
		}
		end := bytes.IndexByte(stream[start:], 0x03)
		if end < 0 {
			return frames
		}
		frames = append(frames, stream[start:start+end+1])
		stream = stream[start+end+1:]
	}
}

// DecodeFrame checks the frame delimiters, splits the frame into groups and
// verifies each group's checksum.
func DecodeFrame(frame []byte) ([]Group, error) {
	if len(frame) < 2 || frame[0] != 0x02 || frame[len(frame)-1] != 0x03 {
		return nil, fmt.Errorf("frame not delimited by STX/ETX: %q", frame)
	}
	body := frame[1 : len(frame)-1]

	var groups []Group
	for len(body) > 0 {
		if body[0] != '\n' {
			return nil, fmt.Errorf("group does not start with LF: %q", body)
		}
		end := bytes.IndexByte(body, '\r')
		if end < 0 {
			return nil, fmt.Errorf("group not terminated by CR: %q", body)
		}
		g, err := DecodeGroup(body[1:end])
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
		body = body[end+1:]
	}
	return groups, nil
}

// DecodeGroup decodes "<name> <value> <checksum>" (without LF/CR).
func DecodeGroup(raw []byte) (Group, error) {
	if len(raw) < 5 || raw[len(raw)-2] != ' ' {
		return Group{}, fmt.Errorf("malformed group %q", raw)
	}
	data := raw[:len(raw)-2]
	sep := bytes.IndexByte(data, ' ')
	if sep <= 0 || sep == len(data)-1 {
		return Group{}, fmt.Errorf("malformed group %q", raw)
	}

	var sum int
	for _, b := range data {
		sum += int(b)
	}
	want := byte(sum%64) + ' '
	got := raw[len(raw)-1]
	if got != want {
		return Group{}, fmt.Errorf("group %q: checksum %q, want %q", raw, got, want)
	}

	return Group{
		Name:     string(data[:sep]),
		Value:    string(data[sep+1:]),
		Checksum: got,
	}, nil
}
