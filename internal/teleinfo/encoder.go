// Package teleinfo builds the historic-mode "teleinformation" stream emitted
// by French residential electricity meters: checksummed data groups wrapped
// in STX/ETX frames, written once per tick by an Emitter.
package teleinfo

import (
	"bytes"
	"fmt"
	"strings"
)

// Control and separator bytes of the TIC historic frame format.
const (
	STX byte = 0x02 // start of frame
	ETX byte = 0x03 // end of frame
	LF  byte = 0x0A // start of data group
	CR  byte = 0x0D // end of data group
	SP  byte = 0x20 // separator
)

// Checksum returns the group checksum character for the given checksummable
// substring: the byte sum masked to its low 6 bits, offset by 0x20 so the
// result is always printable.
func Checksum(data string) byte {
	var sum uint
	for i := 0; i < len(data); i++ {
		sum += uint(data[i])
	}
	return byte(sum&0x3F) + 0x20
}

// EncodeGroup formats one data group:
//
//	LF <name> SP <value zero-padded to width> SP <checksum> CR
//
// A value with more decimal digits than width is written in full, never
// truncated. Counters wrap before reaching that point, see Counter.Advance.
func EncodeGroup(name string, value uint64, width int) string {
	data := fmt.Sprintf("%s%c%0*d", name, SP, width, value)

	var b strings.Builder
	b.Grow(len(data) + 4)
	b.WriteByte(LF)
	b.WriteString(data)
	b.WriteByte(SP)
	b.WriteByte(Checksum(data))
	b.WriteByte(CR)
	return b.String()
}

// BuildFrame concatenates the data group of every counter, in slice order,
// between STX and ETX.
func BuildFrame(counters []Counter) []byte {
	var buf bytes.Buffer
	buf.WriteByte(STX)
	for _, c := range counters {
		buf.WriteString(c.Group())
	}
	buf.WriteByte(ETX)
	return buf.Bytes()
}
