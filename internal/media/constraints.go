package media

// AudioConstraints select and configure the capture device.
type AudioConstraints struct {
	// DeviceKeyword restricts the device to names containing it; empty
	// means the system default input.
	DeviceKeyword string
	SampleRate    int
	ChunkMs       int
	LowLatency    bool
}

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate float64
	// RequireCamera fails the request unless a USB video-class device is
	// attached.
	RequireCamera bool
}

// Constraints is one request to a Source. A nil member is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Profile is a full set of preferences; the Acquirer holds an ideal and a
// minimal one.
type Profile struct {
	Audio AudioConstraints
	Video VideoConstraints
}

func (p Profile) For(mode Mode) Constraints {
	audio := p.Audio
	c := Constraints{Audio: &audio}
	if mode == ModeVideo {
		video := p.Video
		c.Video = &video
	}
	return c
}

func (p Profile) VideoOnly() Constraints {
	video := p.Video
	return Constraints{Video: &video}
}

// IdealProfile asks for the configured device, low-latency capture and
// VGA video from an attached camera.
func IdealProfile(deviceKeyword string, sampleRate int) Profile {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return Profile{
		Audio: AudioConstraints{
			DeviceKeyword: deviceKeyword,
			SampleRate:    sampleRate,
			ChunkMs:       20,
			LowLatency:    true,
		},
		Video: VideoConstraints{Width: 640, Height: 480, FrameRate: 30, RequireCamera: true},
	}
}

// MinimalProfile accepts whatever the default devices provide.
func MinimalProfile() Profile {
	return Profile{
		Audio: AudioConstraints{SampleRate: 8000, ChunkMs: 40},
		Video: VideoConstraints{Width: 320, Height: 240, FrameRate: 15},
	}
}
