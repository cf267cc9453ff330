package device

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	pcmuRate = 8000

	ulawBias = 0x84
	ulawClip = 32635
)

func samplesPerChunk(rate, chunkMs int) int {
	if rate <= 0 || chunkMs <= 0 {
		return 160
	}
	return rate * chunkMs / 1000
}

// downsample averages every factor samples into one.
func downsample(in []int16, factor int) []int16 {
	if factor <= 1 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	out := make([]int16, len(in)/factor)
	for i := range out {
		sum := 0
		for j := 0; j < factor; j++ {
			sum += int(in[i*factor+j])
		}
		out[i] = int16(sum / factor)
	}
	return out
}

func decodePayload(mimeType string, payload []byte) ([]int16, error) {
	switch mimeType {
	case webrtc.MimeTypePCMU:
		return decodeULaw(payload), nil
	case webrtc.MimeTypePCMA:
		return decodeALaw(payload), nil
	}
	return nil, fmt.Errorf("unsupported playback codec: %s", mimeType)
}

func encodeULaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, sample := range pcm {
		out[i] = linearToULaw(sample)
	}
	return out
}

func decodeULaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, sample := range data {
		out[i] = uLawToLinear(sample)
	}
	return out
}

func decodeALaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, sample := range data {
		out[i] = aLawToLinear(sample)
	}
	return out
}

func linearToULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func uLawToLinear(sample byte) int16 {
	sample = ^sample
	sign := sample & 0x80
	exponent := (sample >> 4) & 0x07
	mantissa := sample & 0x0F

	value := ((int(mantissa) << 3) + ulawBias) << exponent
	value -= ulawBias
	if sign != 0 {
		value = -value
	}
	return clamp16(value)
}

func aLawToLinear(sample byte) int16 {
	sample ^= 0x55
	sign := sample & 0x80
	exponent := (sample >> 4) & 0x07
	mantissa := sample & 0x0F

	value := int(mantissa) << 4
	if exponent == 0 {
		value += 8
	} else {
		value += 0x108
		value <<= exponent - 1
	}
	if sign == 0 {
		value = -value
	}
	return clamp16(value)
}

func clamp16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
