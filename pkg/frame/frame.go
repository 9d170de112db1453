package frame

// A PCMFrame is one chunk of signed 16-bit PCM audio.
//
// Frames are produced once and shared by reference between every consumer
// of a stream. No consumer may mutate the sample slice; a consumer that
// needs to transform audio must copy it first.
type PCMFrame struct {
	// Interleaved signed 16-bit samples.
	Samples []int16

	SampleRate  int
	NumChannels int

	// Seq is strictly increasing within a single producer's stream.
	// Gaps indicate dropped frames, reordering never occurs.
	Seq uint64
}

// Duplicate returns a frame with its own copy of the sample data.
func (f PCMFrame) Duplicate() PCMFrame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)
	f.Samples = samples
	return f
}

// Bytes returns the samples as little-endian 16-bit pairs, the layout
// used on the wire and by WAV payloads.
func (f PCMFrame) Bytes() []byte {
	b := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// SamplesFromBytes converts little-endian 16-bit pairs back into samples.
// A trailing odd byte is ignored.
func SamplesFromBytes(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return samples
}

// DownmixToMono averages interleaved stereo samples into a mono slice.
// Mono input is returned unchanged. A trailing odd sample is dropped.
func DownmixToMono(samples []int16, numChannels int) []int16 {
	if numChannels <= 1 {
		return samples
	}
	if len(samples)%2 == 1 {
		samples = samples[:len(samples)-1]
	}
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return mono
}
