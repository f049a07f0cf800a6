package sim

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameLayout(t *testing.T) {
	e := NewMolbot(10, 20, 50, 0, "")
	p := NewPredator(30, 40, 0)
	p.Infected = true
	resources := []*Resource{{X: 1, Y: 2}}

	frame := EncodeFrame(300, []*Entity{e, p}, resources)
	require.Len(t, frame, frameHeaderSize+2*frameEntitySize+frameResourceSize)

	assert.Equal(t, uint32(300), binary.BigEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(frame[4:6]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(frame[6:8]))

	// First entity record: molbot, no flags.
	rec := frame[frameHeaderSize : frameHeaderSize+frameEntitySize]
	assert.Equal(t, id32(e.ID), binary.BigEndian.Uint32(rec[0:4]))
	assert.Equal(t, float32(10), math.Float32frombits(binary.BigEndian.Uint32(rec[4:8])))
	assert.Equal(t, float32(20), math.Float32frombits(binary.BigEndian.Uint32(rec[8:12])))
	assert.Equal(t, float32(molbotRadius), math.Float32frombits(binary.BigEndian.Uint32(rec[12:16])))
	assert.Equal(t, e.Color(), binary.BigEndian.Uint32(rec[16:20]))
	assert.Equal(t, byte(0), rec[20])

	// Second entity record: infected predator.
	rec = frame[frameHeaderSize+frameEntitySize : frameHeaderSize+2*frameEntitySize]
	assert.Equal(t, uint32(predatorColor), binary.BigEndian.Uint32(rec[16:20]))
	assert.Equal(t, byte(flagPredator|flagInfected), rec[20])

	// Resource record trails the entities.
	res := frame[frameHeaderSize+2*frameEntitySize:]
	assert.Equal(t, float32(1), math.Float32frombits(binary.BigEndian.Uint32(res[0:4])))
	assert.Equal(t, float32(2), math.Float32frombits(binary.BigEndian.Uint32(res[4:8])))
}

func TestEncodeFrameEmptyWorld(t *testing.T) {
	frame := EncodeFrame(1, nil, nil)
	require.Len(t, frame, frameHeaderSize)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(frame[4:6]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(frame[6:8]))
}

func TestID32Stable(t *testing.T) {
	assert.Equal(t, id32("abc"), id32("abc"))
	assert.NotEqual(t, id32("abc"), id32("abd"))
}
