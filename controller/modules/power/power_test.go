package power

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	cmds   []string
	closed bool
}

func (r *recorder) Read(_ []byte) (int, error) { return 0, io.EOF }
func (r *recorder) Write(b []byte) (int, error) {
	r.cmds = append(r.cmds, strings.TrimSuffix(string(b), terminator))
	return len(b), nil
}
func (r *recorder) Close() error { r.closed = true; return nil }

func newSupply(t *testing.T) (*Supply, *recorder, *int) {
	rec := &recorder{}
	opens := 0
	s := New(DefaultConfig(), func() (io.ReadWriteCloser, error) {
		opens++
		return rec, nil
	})
	return s, rec, &opens
}

func TestStartIdempotent(t *testing.T) {
	s, _, opens := newSupply(t)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.Equal(t, 1, *opens)
}

func TestOnOff(t *testing.T) {
	s, rec, _ := newSupply(t)
	require.NoError(t, s.Start())
	require.NoError(t, s.On(Noise, Valve))
	assert.True(t, s.IsOn(Noise))
	assert.False(t, s.IsOn(Pump))
	require.NoError(t, s.Off(Noise))
	assert.Equal(t, []string{"OP1 1", "OP3 1", "OP1 0"}, rec.cmds)

	assert.Error(t, s.On(4))
	assert.False(t, s.IsOn(0))
}

func TestOffWhenDisconnected(t *testing.T) {
	s, rec, opens := newSupply(t)
	require.NoError(t, s.Off(Pump))
	assert.Equal(t, 0, *opens)
	assert.Empty(t, rec.cmds)

	require.NoError(t, s.On(Pump))
	assert.Equal(t, 1, *opens, "switching on connects")
}

func TestStopDisconnects(t *testing.T) {
	s, rec, opens := newSupply(t)
	require.NoError(t, s.On(Pump))
	require.NoError(t, s.Stop())
	assert.True(t, rec.closed)
	assert.False(t, s.IsOn(Pump))
	assert.Equal(t, "OPALL 0", rec.cmds[len(rec.cmds)-1])
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start())
	assert.Equal(t, 2, *opens)
}

func TestPauseResume(t *testing.T) {
	s, rec, _ := newSupply(t)
	require.NoError(t, s.On(Noise, Valve))
	rec.cmds = nil

	require.NoError(t, s.Pause())
	require.NoError(t, s.Pause())
	assert.False(t, s.IsOn(Noise))
	assert.False(t, s.IsOn(Valve))

	require.NoError(t, s.Resume())
	require.NoError(t, s.Resume())
	assert.True(t, s.IsOn(Noise))
	assert.False(t, s.IsOn(Pump))
	assert.True(t, s.IsOn(Valve))
	assert.Equal(t, []string{"OPALL 0", "OP1 1", "OP3 1"}, rec.cmds)
}

func TestReset(t *testing.T) {
	s, rec, _ := newSupply(t)
	require.NoError(t, s.On(Pump))
	require.NoError(t, s.Reset())
	assert.False(t, s.IsOn(Pump))
	assert.False(t, rec.closed)
}

func TestOpenError(t *testing.T) {
	boom := errors.New("no such port")
	s := New(DefaultConfig(), func() (io.ReadWriteCloser, error) { return nil, boom })
	assert.ErrorIs(t, s.Start(), boom)
	assert.ErrorIs(t, s.On(Noise), boom)
}

func TestPin(t *testing.T) {
	s, rec, _ := newSupply(t)
	p := s.Pin(Valve)
	assert.Equal(t, "OP3", p.Name())
	assert.Equal(t, 3, p.Number())

	require.NoError(t, p.Write(true))
	assert.True(t, p.LastState())
	require.NoError(t, p.Close())
	assert.False(t, p.LastState())
	assert.Equal(t, []string{"OP3 1", "OP3 0"}, rec.cmds)
}
