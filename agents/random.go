package agents

import "math"

// Random returns a deterministic pseudo-random float in [0,1) derived from
// an agent's position bits and the frame counter. It is a pure function, so
// replaying the same state and frames replays the same choices.
//
// The key is a multiply-add of the three words, finished with the murmur3
// fmix32 avalanche; the top 24 bits become the mantissa.
func Random(x, y float32, frame uint32) float32 {
	h := math.Float32bits(x)*374761393 + math.Float32bits(y)*668265263 + frame*1442695041
	h = fmix32(h)
	return float32(h&0x00FFFFFF) / float32(0x01000000)
}

func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
