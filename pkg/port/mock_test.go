package port

import (
	"testing"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_InOut(t *testing.T) {
	m := NewMock()

	v, err := m.In(0x378)
	require.NoError(t, err)
	assert.Equal(t, byte(0), v)

	require.NoError(t, m.Out(0x378, 0x03))
	require.NoError(t, m.Out(0x378, 0x02))
	v, err = m.In(0x378)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), v)
	assert.Equal(t, 2, m.Writes(0x378))
	assert.Equal(t, 0, m.Writes(0x379))
}

func TestMock_SetDoesNotCountAsWrite(t *testing.T) {
	m := NewMock()
	m.Set(0x379, 0x80)

	v, err := m.In(0x379)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), v)
	assert.Equal(t, 0, m.Writes(0x379))
}

func TestMock_OnWrite(t *testing.T) {
	m := NewMock()
	var got []byte
	m.OnWrite(func(addr uint16, v byte) {
		if addr == 0x37A {
			got = append(got, v)
		}
	})

	require.NoError(t, m.Out(0x37A, 1))
	require.NoError(t, m.Out(0x378, 9))
	require.NoError(t, m.Out(0x37A, 2))
	assert.Equal(t, []byte{1, 2}, got)
}

func TestMock_Closed(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Close())

	_, err := m.In(0x378)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Out(0x378, 1), ErrClosed)
}

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Driver.Port = "mock"
	p, err := Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, p)

	cfg.Driver.Port = "lpt9"
	_, err = Open(cfg)
	assert.Error(t, err)
}
