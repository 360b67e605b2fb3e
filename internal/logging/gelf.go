package logging

import (
	"fmt"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGelfWriter returns a UDP GELF writer for the Graylog input at addr.
// The facility is set to name so records from both binaries can be told apart.
func NewGelfWriter(addr, name string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("graylog writer %s: %w", addr, err)
	}
	w.Facility = name
	return w, nil
}
