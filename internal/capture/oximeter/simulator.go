package oximeter

import (
	"math"
	"time"

	"github.com/e7canasta/orion-sync/internal/capture"
)

// Simulator produces oximeter-shaped readings without hardware, packed three
// per read like the real device.
type Simulator struct {
	// RateHz is the report rate (default 20, i.e. 60 readings/s).
	RateHz float64
	// HeartRate and SpO2 are reported verbatim.
	HeartRate int
	SpO2      int
}

// Name implements capture.Device.
func (s *Simulator) Name() string { return "oximeter-sim" }

// Columns implements capture.Device.
func (s *Simulator) Columns() []string { return Columns }

// Open implements capture.Device.
func (s *Simulator) Open() (capture.Handle, error) {
	rate := s.RateHz
	if rate <= 0 {
		rate = 20
	}
	hr, spo2 := s.HeartRate, s.SpO2
	if hr == 0 {
		hr = 72
	}
	if spo2 == 0 {
		spo2 = 98
	}
	return &simHandle{
		ticker: time.NewTicker(time.Duration(float64(time.Second) / rate)),
		hr:     hr,
		spo2:   spo2,
	}, nil
}

type simHandle struct {
	ticker  *time.Ticker
	hr      int
	spo2    int
	phase   int
	decoder Decoder
}

func (h *simHandle) Read() ([]capture.Payload, error) {
	<-h.ticker.C
	return h.decoder.Decode(h.nextReport()), nil
}

// nextReport builds a raw report so the simulator exercises the same decoding
// path as the hardware: two waveform packets followed by one vitals packet.
func (h *simHandle) nextReport() []byte {
	report := make([]byte, ReportSize)
	for i := 0; i < packetsPerReport; i++ {
		off := i * packetSize
		report[off] = 0x80
		if i == packetsPerReport-1 {
			report[off+1] = updateVitals
			report[off+3] = byte(h.hr)
			report[off+4] = byte(h.spo2)
			continue
		}
		report[off+1] = updateWaveform
		beat := float64(h.phase) / 60 * float64(h.hr) / 60 * 2 * math.Pi
		report[off+3] = byte(50 + 40*math.Sin(beat))
		h.phase++
	}
	return report
}

func (h *simHandle) Close() error {
	h.ticker.Stop()
	return nil
}
