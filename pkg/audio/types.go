package audio

// Source identifies where a chunk of audio originated.
type Source string

const (
	// SourceRemoteAgent marks audio synthesised by the remote agent.
	SourceRemoteAgent Source = "remote-agent"

	// SourceMicrophone marks audio captured from the local microphone.
	SourceMicrophone Source = "microphone"
)

// Chunk is an ordered, immutable buffer of normalized float32 samples.
// Chunks are created when a wire audio-delta message is decoded, consumed
// by the playback scheduler in sequence order, and discarded once played.
type Chunk struct {
	// Samples are normalized PCM samples in [-1.0, 1.0].
	Samples []float32

	// Seq is a monotonically increasing sequence number assigned by the
	// producer. The playback scheduler plays chunks strictly in Seq order.
	Seq uint64

	// Source tags the origin of the chunk.
	Source Source

	// SampleRate is the sample rate in Hz of the samples (e.g. 16000, 24000).
	SampleRate int
}

// DurationSamples returns the number of samples in the chunk.
func (c Chunk) DurationSamples() int { return len(c.Samples) }
