package sim

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Binary world frame layout, big-endian:
//
//	header:   tick u32 | entity_count u16 | resource_count u16
//	entity:   id32 u32 | x f32 | y f32 | radius f32 | color u32 | flags u8
//	resource: x f32 | y f32
//
// flags: bit0 predator, bit1 infected.
const (
	frameHeaderSize   = 8
	frameEntitySize   = 21
	frameResourceSize = 8

	flagPredator = 1 << 0
	flagInfected = 1 << 1
)

// EncodeFrame serializes the living world for external visualization.
func EncodeFrame(tick uint64, entities []*Entity, resources []*Resource) []byte {
	buf := make([]byte, 0, frameHeaderSize+len(entities)*frameEntitySize+len(resources)*frameResourceSize)

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(tick))
	binary.BigEndian.PutUint16(header[4:6], uint16(len(entities)))
	binary.BigEndian.PutUint16(header[6:8], uint16(len(resources)))
	buf = append(buf, header[:]...)

	var rec [frameEntitySize]byte
	for _, e := range entities {
		binary.BigEndian.PutUint32(rec[0:4], id32(e.ID))
		binary.BigEndian.PutUint32(rec[4:8], math.Float32bits(float32(e.X)))
		binary.BigEndian.PutUint32(rec[8:12], math.Float32bits(float32(e.Y)))
		binary.BigEndian.PutUint32(rec[12:16], math.Float32bits(float32(e.Radius)))
		binary.BigEndian.PutUint32(rec[16:20], e.Color())
		var flags byte
		if e.EntityType == TypePredator {
			flags |= flagPredator
		}
		if e.Infected {
			flags |= flagInfected
		}
		rec[20] = flags
		buf = append(buf, rec[:]...)
	}

	var res [frameResourceSize]byte
	for _, r := range resources {
		binary.BigEndian.PutUint32(res[0:4], math.Float32bits(float32(r.X)))
		binary.BigEndian.PutUint32(res[4:8], math.Float32bits(float32(r.Y)))
		buf = append(buf, res[:]...)
	}
	return buf
}

// id32 folds a string ID to the lower 32 bits of its FNV-1a hash.
func id32(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}
