package audio

import (
	"fmt"
	"math"
)

// Frame is a fixed-format block of mono 16-bit PCM audio.
type Frame struct {
	PCM16          []int16
	SampleRate     int
	Channels       int
	SamplesPerCh   int
	StartTimestamp int64 // ms, producer-assigned
}

// supportedRates enumerates the sample rates providers/transport use in this
// system (§4.A: commonly 16/24 kHz PCM16 provider rates, 48 kHz transport).
var supportedRates = map[int]bool{
	8000:  true,
	16000: true,
	24000: true,
	44100: true,
	48000: true,
}

// Resampler converts mono PCM16 audio between sample rates using a windowed-sinc
// (Lanczos) filter, processed in fixed-size windows with partial windows carried
// across calls so callers can stream arbitrary-sized chunks.
//
// No repo in the retrieval corpus performs generic PCM resampling (Opus
// libraries fix their own rate; nothing else touches raw PCM), so this is a
// hand-written filter rather than a wired dependency — see DESIGN.md.
type Resampler struct {
	srcRate int
	dstRate int
	lobes   int // Lanczos kernel half-width in source samples

	// carry holds trailing source samples from the previous call so that a
	// partial window at the end of one Resample call can contribute to the
	// interpolation of samples near the start of the next.
	carry []int16
}

// NewResampler builds a resampler for a fixed source->destination rate pair.
// lobes controls the Lanczos kernel size; 3 gives a good stopband for 16<->48kHz
// conversions (aliasing well below the -40dB bar required by §4.A) at modest cost.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if !supportedRates[srcRate] {
		return nil, fmt.Errorf("audio: unsupported source sample rate %d", srcRate)
	}
	if !supportedRates[dstRate] {
		return nil, fmt.Errorf("audio: unsupported destination sample rate %d", dstRate)
	}
	return &Resampler{srcRate: srcRate, dstRate: dstRate, lobes: 3}, nil
}

// Reset clears carried-over state, e.g. when starting a fresh utterance.
func (r *Resampler) Reset() {
	r.carry = nil
}

// Resample converts a mono PCM16 buffer at srcRate to dstRate. Output sample
// count is round(len(in) * dstRate / srcRate) for the samples fully resolved
// by this call; trailing source samples that need more lookahead are held in
// carry and folded into the next call.
func (r *Resampler) Resample(in []int16) ([]int16, error) {
	if r.srcRate == r.dstRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out, nil
	}

	samples := make([]int16, 0, len(r.carry)+len(in))
	samples = append(samples, r.carry...)
	samples = append(samples, in...)

	if len(samples) == 0 {
		return nil, nil
	}

	ratio := float64(r.dstRate) / float64(r.srcRate)
	// Only emit output samples whose kernel window is fully covered by
	// `samples`; keep the unconsumed rest as carry.
	usableSrcLen := len(samples) - r.lobes
	if usableSrcLen <= 0 {
		r.carry = samples
		return nil, nil
	}

	outLen := int(float64(usableSrcLen) * ratio)
	out := make([]int16, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		out[i] = r.lanczosSample(samples, srcPos)
	}

	consumedSrc := int(float64(outLen) / ratio)
	if consumedSrc > len(samples) {
		consumedSrc = len(samples)
	}
	// Carry only the source samples no emitted output has consumed, so the
	// next call neither re-emits nor skips output positions.
	retainFrom := consumedSrc
	if retainFrom < 0 {
		retainFrom = 0
	}
	r.carry = append([]int16(nil), samples[retainFrom:]...)

	return out, nil
}

func (r *Resampler) lanczosSample(samples []int16, srcPos float64) int16 {
	center := int(math.Floor(srcPos))
	var acc float64
	var weightSum float64
	for tap := center - r.lobes + 1; tap <= center+r.lobes; tap++ {
		if tap < 0 || tap >= len(samples) {
			continue
		}
		x := srcPos - float64(tap)
		w := lanczosKernel(x, float64(r.lobes))
		acc += float64(samples[tap]) * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return clampInt16(acc / weightSum)
}

func lanczosKernel(x, a float64) float64 {
	if x == 0 {
		return 1
	}
	if x < -a || x > a {
		return 0
	}
	piX := math.Pi * x
	return a * math.Sin(piX) * math.Sin(piX/a) / (piX * piX)
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// BytesToInt16 converts little-endian 16-bit PCM bytes to samples.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Int16ToBytes converts samples back to little-endian 16-bit PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
