package sample

import (
	"log"
	"time"

	"github.com/itohio/gaugecal/pkg/pressure"
	"github.com/itohio/gaugecal/pkg/sensor"
)

// NewAveragingConverter creates a converter that emits, for every reading,
// the mean of the last windowSize corrected readings. The timestamp and
// unit are those of the newest reading. A window of 1 or less disables
// averaging.
func NewAveragingConverter(zeroOffset float64, windowSize int, bufSize int) Converter {
	if windowSize <= 1 {
		return NewConverter(zeroOffset, bufSize)
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan sensor.Reading) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			buffer := make([]Sample, 0, windowSize)
			for r := range in {
				s, err := convert(r, zeroOffset)
				if err != nil {
					log.Printf("sample: failed to convert reading: %v", err)
					continue
				}

				buffer = append(buffer, s)
				if len(buffer) > windowSize {
					buffer = buffer[1:] // Remove oldest
				}

				avg, err := average(buffer)
				if err != nil {
					log.Printf("sample: failed to average readings: %v", err)
					continue
				}

				select {
				case out <- avg:
				case <-time.After(time.Second):
					log.Printf("sample: averaging converter output channel full, dropping sample")
				}
			}
		}()

		return out
	}
}

// average returns the mean pressure of samples in the unit of the newest one.
func average(samples []Sample) (Sample, error) {
	if len(samples) == 0 {
		return Sample{}, nil
	}

	last := samples[len(samples)-1]
	unit := last.Pressure.Unit()

	var sum float64
	for _, s := range samples {
		sum += s.Pressure.In(unit)
	}

	p, err := pressure.New(sum/float64(len(samples)), unit)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Timestamp: last.Timestamp, Pressure: p}, nil
}
