package upscaler

import (
	"path/filepath"
	"strings"
)

const outputSuffix = "_upscaled"

// OutputName derives the output filename for an input path: the directory is
// dropped and the suffix goes between stem and extension. An input without
// an extension gets none.
//
//	photo.png            -> photo_upscaled.png
//	archive/deep/shot.jpg -> shot_upscaled.jpg
//	image                -> image_upscaled
func OutputName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	// a leading dot marks a hidden file, not an extension
	if ext == base {
		ext = ""
	}
	return strings.TrimSuffix(base, ext) + outputSuffix + ext
}
