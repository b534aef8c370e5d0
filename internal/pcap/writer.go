// Package pcap records network frames in the classic libpcap capture format
// so guest traffic can be inspected offline with tcpdump or wireshark.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkTypeEthernet is the DLT value for ethernet frames.
const LinkTypeEthernet uint32 = 1

const (
	magic        = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4

	fileHeaderSize   = 24
	recordHeaderSize = 16
)

// Capture appends packet records to one libpcap stream. Not safe for
// concurrent use; callers serialize Record.
type Capture struct {
	w    io.Writer
	snap uint32
}

// New writes the global file header and returns a capture appending to w.
// snapLen bounds how much of each frame is stored.
func New(w io.Writer, snapLen, linkType uint32) (*Capture, error) {
	if snapLen == 0 {
		return nil, fmt.Errorf("pcap: zero snap length")
	}
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// hdr[8:16] is the timezone offset and timestamp accuracy, both zero by
	// convention.
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write file header: %w", err)
	}
	return &Capture{w: w, snap: snapLen}, nil
}

// Record appends one frame, truncated to the snap length. The record keeps
// the frame's original length so readers can tell a truncated frame apart
// from a short one.
func (c *Capture) Record(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame of %d bytes does not fit a record", len(frame))
	}
	stored := uint32(len(frame))
	if stored > c.snap {
		stored = c.snap
	}

	var sec, usec uint32
	if !ts.IsZero() {
		s := ts.Unix()
		if s < 0 || s > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp %v outside the classic format's range", ts)
		}
		sec = uint32(s)
		usec = uint32(ts.Nanosecond() / 1_000)
	}

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sec)
	binary.LittleEndian.PutUint32(hdr[4:8], usec)
	binary.LittleEndian.PutUint32(hdr[8:12], stored)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(frame)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if stored == 0 {
		return nil
	}
	if _, err := c.w.Write(frame[:stored]); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	return nil
}
