package processor

import (
	"fmt"
	"image"
	"io"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/disintegration/imaging"

	// registers the webp decoder with image.Decode
	_ "golang.org/x/image/webp"
)

// Decode reads any allowed input format, applying EXIF orientation
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// EncodeJPEG writes img as a JPEG at the fixed output quality
func EncodeJPEG(w io.Writer, img image.Image) error {
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(domain.OutputQuality)); err != nil {
		return fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return nil
}

// Size formats the image dimensions as WxH
func Size(img image.Image) string {
	b := img.Bounds()
	return fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
}
