// Package audio holds PCM16 frame helpers shared by the gateway and tests.
package audio

import "time"

const (
	// MicSampleRate is the inbound microphone format (PCM16 LE mono).
	MicSampleRate = 16000
	// PlaybackSampleRate is the outbound synthesis format (PCM16 LE mono).
	PlaybackSampleRate = 48000

	bytesPerSample = 2
)

// ValidFrame reports whether b can be a PCM16 frame: non-empty with a whole
// number of samples.
func ValidFrame(b []byte) bool {
	return len(b) > 0 && len(b)%bytesPerSample == 0
}

// Duration returns the play time of a PCM16 mono frame at the given rate.
func Duration(b []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 || len(b) < bytesPerSample {
		return 0
	}
	samples := len(b) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// FrameBytes returns the byte size of a frame of the given duration.
func FrameBytes(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * bytesPerSample
}
