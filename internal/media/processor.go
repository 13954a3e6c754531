// Package media joins generated clips into one video using the ffmpeg CLI.
package media

import "context"

// Processor defines the video operations the composition engine needs.
type Processor interface {
	// JoinVideos concatenates videoPaths, in order, into output. Inputs with
	// matching stream layouts are stream-copied, falling back to a libx264/aac
	// re-encode when the copy fails; mismatched inputs are re-encoded directly.
	// On failure no file is left at output.
	JoinVideos(ctx context.Context, videoPaths []string, output string) error

	// ProbeStreams describes the codec layout of a media file.
	ProbeStreams(ctx context.Context, path string) (StreamInfo, error)

	// MediaDuration returns the duration of a media file in seconds.
	MediaDuration(ctx context.Context, path string) (float64, error)
}

// StreamInfo is the subset of stream metadata that decides whether two files
// can be concatenated without re-encoding.
type StreamInfo struct {
	VideoCodec string
	Width      int
	Height     int
	AudioCodec string
	SampleRate string
}

// Compatible reports whether every input shares the first input's layout.
func Compatible(infos []StreamInfo) bool {
	for i := 1; i < len(infos); i++ {
		if infos[i] != infos[0] {
			return false
		}
	}
	return true
}
