package oximeter

import (
	"strconv"

	"github.com/e7canasta/orion-sync/internal/capture"
)

const (
	// ReportSize is the number of bytes requested per HID read.
	ReportSize = 18
	// packetSize is the stride of one reading inside a report.
	packetSize = 6
	// packetsPerReport is how many readings a full report carries.
	packetsPerReport = ReportSize / packetSize
)

// Packet update kinds (second byte of each packet).
const (
	updateWaveform = 0
	updateVitals   = 1
)

// Reading is one decoded oximeter reading. Values carry over between packets
// that do not update them.
type Reading struct {
	PPG  int
	HR   int
	SpO2 int
}

// Fields implements capture.Payload.
func (r Reading) Fields() []string {
	return []string{strconv.Itoa(r.PPG), strconv.Itoa(r.HR), strconv.Itoa(r.SpO2)}
}

// Columns are the payload columns for oximeter readings.
var Columns = []string{"ppg", "hr", "spo2"}

// Decoder turns raw reports into readings. Packet layout:
//
//	[0] check  [1] update  [2] status  [3] value0  [4] value1  [5] unused
//
// update 0 carries the pleth waveform in value0; update 1 carries heart rate
// in value0 and SpO2 in value1. Truncated packets are skipped.
type Decoder struct {
	last Reading
}

// Decode decodes one report. It never fails; malformed tails are dropped.
func (d *Decoder) Decode(report []byte) []capture.Payload {
	out := make([]capture.Payload, 0, packetsPerReport)
	for i := 0; i < packetsPerReport; i++ {
		off := i * packetSize
		if len(report) < off+3 {
			break
		}
		switch report[off+1] {
		case updateWaveform:
			if len(report) < off+4 {
				return out
			}
			d.last.PPG = int(report[off+3])
		case updateVitals:
			if len(report) < off+5 {
				return out
			}
			d.last.HR = int(report[off+3])
			d.last.SpO2 = int(report[off+4])
		}
		out = append(out, d.last)
	}
	return out
}
