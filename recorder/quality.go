package recorder

import (
	"github.com/onnwee/stream-tender/m3u8"
)

// SelectQuality picks the rendition matching the requested quality string
// ("720p60", "480p"; fps defaults to 30) from a variant list already sorted
// source-first then by descending resolution and frame rate. An empty target
// means highest available. It never fails: an unavailable resolution falls
// back to the first rendition below the target, then to the lowest
// non-audio/non-chat rendition; an unparsable target takes the first
// rendition. Returns nil only for an empty variant list.
func SelectQuality(variants []m3u8.Variant, target string) *m3u8.Variant {
	if len(variants) == 0 {
		return nil
	}
	if target == "" {
		return &variants[0]
	}
	targetRes, targetFps, ok := m3u8.ParseVariantName(target)
	if !ok {
		return &variants[0]
	}
	last := ""
	for _, v := range variants {
		if v.Name != "audio_only" && v.Name != "chat_only" {
			last = v.Name
		}
	}
	for i := range variants {
		v := &variants[i]
		res, fps, ok := m3u8.ParseVariantName(v.Name)
		if !ok {
			continue
		}
		if (res == targetRes && fps >= targetFps) || targetRes > res || v.Name == last {
			return v
		}
	}
	return &variants[0]
}
