//go:build !linux

package port

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/gaugecal/pkg/config"
)

func TestOpen_DevPortUnsupported(t *testing.T) {
	cfg := config.Default()
	cfg.Driver.Port = "devport"
	p, err := Open(cfg)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Nil(t, p)

	var d DevPort
	_, err = d.In(0x379)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, d.Out(0x378, 1), ErrUnsupported)
	assert.NoError(t, d.Close())
}
