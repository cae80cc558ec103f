package protocol

// PCMFormat describes raw little-endian signed PCM as streamed to devices.
type PCMFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// DevicePCM is the only format the device firmware can play.
var DevicePCM = PCMFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}

// BytesPerSecond returns the stream rate of the format.
func (f PCMFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

const (
	TopicEvent = "owlimatronic/event"

	PayloadStream = "stream"
	PayloadYap    = "yap"
)

// Animations known to the current firmware. Payloads are not restricted to
// this list; unknown names are ignored by the device.
var Animations = []string{"hello", "panic", "shocked", "sweep", PayloadYap}
