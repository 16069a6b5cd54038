package upscaler

import (
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lon9/upscale-go/esrgan"
)

const jpegQuality = 95

// decodeFile reads an image, sniffing its content rather than trusting the
// extension. It returns the decoded pixels and the registered format name.
func decodeFile(path string) (*esrgan.RGB, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, "", err
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, "", fmt.Errorf("not an image: %s", mtype.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", err
	}
	return esrgan.ToRGB(img), format, nil
}

// encodeFormat picks the codec for an output name: a known extension wins,
// anything else reuses the source format.
func encodeFormat(name, source string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "png"
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".gif":
		return "gif"
	case ".bmp":
		return "bmp"
	case ".tif", ".tiff":
		return "tiff"
	}
	return source
}

// checkEncodable fails for formats encode cannot write, so requests can be
// rejected before inference.
func checkEncodable(format string) error {
	switch format {
	case "png", "jpeg", "gif", "bmp", "tiff":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func encode(w io.Writer, img *esrgan.RGB, format string) error {
	switch format {
	case "png":
		return png.Encode(w, img.NRGBA())
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img.NRGBA())
	case "tiff":
		return tiff.Encode(w, img.NRGBA(), &tiff.Options{Compression: tiff.Deflate})
	}
	return checkEncodable(format)
}
