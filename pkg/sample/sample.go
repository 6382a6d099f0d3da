// Package sample turns transducer readings into the pressure stream fed to
// a graduation.
package sample

import (
	"log"
	"time"

	"github.com/itohio/gaugecal/pkg/pressure"
	"github.com/itohio/gaugecal/pkg/sensor"
)

// Sample is a corrected pressure reading.
type Sample struct {
	Timestamp time.Time
	Pressure  pressure.Pressure
}

// Converter is a function type that converts a Reading channel to a Sample channel.
type Converter func(in <-chan sensor.Reading) <-chan Sample

// NewConverter creates a converter that subtracts zeroOffset, in the unit
// of each reading, from every reading.
func NewConverter(zeroOffset float64, bufSize int) Converter {
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan sensor.Reading) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			for r := range in {
				s, err := convert(r, zeroOffset)
				if err != nil {
					log.Printf("sample: failed to convert reading: %v", err)
					continue
				}

				select {
				case out <- s:
				case <-time.After(time.Second):
					log.Printf("sample: converter output channel full, dropping sample")
				}
			}
		}()

		return out
	}
}

func convert(r sensor.Reading, zeroOffset float64) (Sample, error) {
	unit := r.Pressure.Unit()
	p, err := pressure.New(r.Pressure.In(unit)-zeroOffset, unit)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Timestamp: r.Timestamp, Pressure: p}, nil
}
