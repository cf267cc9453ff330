package peer

import (
	"github.com/pion/sdp/v3"
)

// offersVideo reports whether raw carries an active video section.
func offersVideo(raw string) bool {
	var sd sdp.SessionDescription
	if err := sd.UnmarshalString(raw); err != nil {
		return false
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" || md.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := md.Attribute("inactive"); inactive {
			continue
		}
		return true
	}
	return false
}
