package collector

import (
	"errors"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Multi fans several collectors into one pipeline inlet. Start is
// all-or-nothing: if any collector fails to start, the ones already
// started are stopped again.
func Multi(cols ...ports.Collector) ports.Collector {
	if len(cols) == 1 {
		return cols[0]
	}
	return &multiCollector{cols: cols}
}

type multiCollector struct {
	cols []ports.Collector
}

func (m *multiCollector) Start(out chan<- *ports.RawReading) error {
	for i, col := range m.cols {
		if err := col.Start(out); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.cols[j].Stop()
			}
			return err
		}
	}
	return nil
}

func (m *multiCollector) Stop() error {
	var err error
	for _, col := range m.cols {
		err = errors.Join(err, col.Stop())
	}
	return err
}
