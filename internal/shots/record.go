package shots

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Binary shot record layout, all fields big-endian:
//
//	magic      [4]byte  "D1SH"
//	version    uint16   currently 1
//	shotID     int64
//	timestamp  int64    unix seconds
//	samples    uint32   frame count
//	frames     samples × 16 bytes:
//	    elapsedMS     uint32
//	    groupPressure float32  bar
//	    groupFlow     float32  ml/s
//	    mixTemp       float32  °C
const (
	recordVersion   = 1
	headerSize      = 4 + 2 + 8 + 8 + 4
	sampleFrameSize = 16

	// maxSamples bounds decode allocation. A shot samples at roughly
	// 5 Hz, so even a ten-minute pour stays far below this.
	maxSamples = 65536
)

var recordMagic = []byte("D1SH")

// Sample is one telemetry frame of a shot.
type Sample struct {
	ElapsedMS     uint32  `json:"elapsedMs"`
	GroupPressure float32 `json:"groupPressure"`
	GroupFlow     float32 `json:"groupFlow"`
	MixTemp       float32 `json:"mixTemp"`
}

// Shot is a decoded shot record.
type Shot struct {
	ID        int64    `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Samples   []Sample `json:"samples"`
}

// ParseRecord decodes a binary shot record as pulled from the machine.
func ParseRecord(data []byte) (*Shot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("shot record too short: %d bytes", len(data))
	}

	if !bytes.Equal(data[:4], recordMagic) {
		return nil, fmt.Errorf("shot record has bad magic %q", data[:4])
	}

	version := binary.BigEndian.Uint16(data[4:6])
	if version != recordVersion {
		return nil, fmt.Errorf("unsupported shot record version %d", version)
	}

	shot := &Shot{
		ID:        int64(binary.BigEndian.Uint64(data[6:14])),
		Timestamp: int64(binary.BigEndian.Uint64(data[14:22])),
	}

	count := binary.BigEndian.Uint32(data[22:26])
	if count > maxSamples {
		return nil, fmt.Errorf("shot record claims %d samples", count)
	}

	want := headerSize + int(count)*sampleFrameSize
	if len(data) != want {
		return nil, fmt.Errorf("shot record size mismatch: have %d bytes, header implies %d", len(data), want)
	}

	shot.Samples = make([]Sample, count)

	for i := range shot.Samples {
		frame := data[headerSize+i*sampleFrameSize:]
		shot.Samples[i] = Sample{
			ElapsedMS:     binary.BigEndian.Uint32(frame[0:4]),
			GroupPressure: math.Float32frombits(binary.BigEndian.Uint32(frame[4:8])),
			GroupFlow:     math.Float32frombits(binary.BigEndian.Uint32(frame[8:12])),
			MixTemp:       math.Float32frombits(binary.BigEndian.Uint32(frame[12:16])),
		}
	}

	return shot, nil
}
