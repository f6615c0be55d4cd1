package framed

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Frame layout: 0x99 | protocol | payload length (LE16) | json payload | '\n'
const (
	startByte  byte = 0x99
	endByte    byte = '\n'
	headerSize      = 4
)

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	SAT_UPDATE      byte = 0x03
	GPS_ERROR       byte = 0x04
	GPS_INIT        byte = 0x05
	STATUS          byte = 0x06
)

var errBadFrame = errors.New("bad frame")

type Frame struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

type LoginMessage struct {
	SnType     string `json:"sn_type"`
	Serial     string `json:"serial"`
	DeviceType string `json:"device_type"`
}

type LocationMessage struct {
	GpsTime   time.Time `json:"gps_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float32   `json:"altitude"`
	Accuracy  float32   `json:"accuracy,omitempty"`
	SatInview int       `json:"sat_inview"`
	SatUsed   int       `json:"sat_used"`
	Fix       bool      `json:"fix"`
	FixMode   string    `json:"fix_mode"`
	Speed     float32   `json:"speed"`
}

type GpsErrorMessage struct {
	Reason string `json:"reason,omitempty"`
}

// readFrame reads one frame into f.Buffer. Payload aliases the buffer and is
// only valid until the next call.
func readFrame(r io.Reader, f *Frame) error {
	if len(f.Buffer) < headerSize+1 {
		return fmt.Errorf("buffer too small")
	}
	if _, err := io.ReadFull(r, f.Buffer[:headerSize]); err != nil {
		return err
	}
	if f.Buffer[0] != startByte {
		return errBadFrame
	}
	f.Protocol = f.Buffer[1]
	f.Length = int(binary.LittleEndian.Uint16(f.Buffer[2:4])) + headerSize + 1
	if len(f.Buffer) < f.Length {
		return fmt.Errorf("frame of %d bytes exceeds buffer", f.Length)
	}
	if _, err := io.ReadFull(r, f.Buffer[headerSize:f.Length]); err != nil {
		return err
	}
	if f.Buffer[f.Length-1] != endByte {
		return errBadFrame
	}
	f.Payload = f.Buffer[headerSize : f.Length-1]
	return nil
}

// WriteFrame encodes v as json and writes it as a single frame.
func WriteFrame(w io.Writer, protocol byte, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > 0xffff {
		return fmt.Errorf("payload of %d bytes too large", len(payload))
	}
	b := make([]byte, headerSize, headerSize+len(payload)+1)
	b[0] = startByte
	b[1] = protocol
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(payload)))
	b = append(b, payload...)
	b = append(b, endByte)
	_, err = w.Write(b)
	return err
}
