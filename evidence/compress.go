package evidence

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

const (
	maxImageDimension = 512 // Maximum width or height in pixels
	imageQuality      = 85
)

// maxImagePixels bounds the decoded size of an image, so a small payload
// cannot expand into gigabytes of pixels.
var maxImagePixels = 40_000_000

// GetImageOrientation extracts the EXIF orientation from JPEG data
func GetImageOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}

	orientation, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}

	orientVal, err := orientation.Int(0)
	if err != nil {
		return 1
	}

	return orientVal
}

// CorrectImageOrientation applies the EXIF orientation so the image is upright.
func CorrectImageOrientation(img image.Image, orientation int) image.Image {
	if orientation < 2 || orientation > 8 {
		return img
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// Orientations 5-8 swap the axes.
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if orientation >= 5 {
		dst = image.NewRGBA(image.Rect(0, 0, height, width))
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			switch orientation {
			case 2: // Flip horizontal
				dst.Set(width-1-x, y, c)
			case 3: // Rotate 180
				dst.Set(width-1-x, height-1-y, c)
			case 4: // Flip vertical
				dst.Set(x, height-1-y, c)
			case 5: // Transpose
				dst.Set(y, x, c)
			case 6: // Rotate 90 clockwise
				dst.Set(height-1-y, x, c)
			case 7: // Transverse
				dst.Set(height-1-y, width-1-x, c)
			case 8: // Rotate 90 counter-clockwise
				dst.Set(y, width-1-x, c)
			}
		}
	}
	return dst
}

// Compress fixes the orientation and scales the image so neither side exceeds
// 512 pixels. Payloads that are not decodable images are returned unchanged.
func Compress(e *Evidence) *Evidence {
	if e.Empty() {
		return e
	}
	data, err := CompressImage(e.Data)
	if err != nil {
		log.Debugf("Evidence left uncompressed: %v", err)
		return e
	}
	if bytes.Equal(data, e.Data) {
		return e
	}
	return &Evidence{MimeType: "image/jpeg", Data: data}
}

// CompressImage downsizes a JPEG or PNG image to fit within 512x512.
func CompressImage(imageData []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxImagePixels) {
		return nil, fmt.Errorf("image of %dx%d pixels exceeds the %d pixel limit", cfg.Width, cfg.Height, maxImagePixels)
	}

	orientation := GetImageOrientation(imageData)

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if orientation != 1 {
		img = CorrectImageOrientation(img, orientation)
	}

	bounds := img.Bounds()
	originalWidth := bounds.Dx()
	originalHeight := bounds.Dy()

	if originalWidth <= maxImageDimension && originalHeight <= maxImageDimension && orientation == 1 {
		return imageData, nil
	}

	scale := 1.0
	if originalWidth > maxImageDimension || originalHeight > maxImageDimension {
		scaleX := float64(maxImageDimension) / float64(originalWidth)
		scaleY := float64(maxImageDimension) / float64(originalHeight)
		scale = scaleX
		if scaleY < scaleX {
			scale = scaleY
		}
	}

	newWidth := max(1, min(maxImageDimension, int(float64(originalWidth)*scale)))
	newHeight := max(1, min(maxImageDimension, int(float64(originalHeight)*scale)))

	newImg := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.ApproxBiLinear.Scale(newImg, newImg.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, newImg, &jpeg.Options{Quality: imageQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode compressed image: %w", err)
	}

	compressed := buf.Bytes()
	log.Infof("Evidence compressed: %d bytes -> %d bytes (%dx%d -> %dx%d, orientation: %d)",
		len(imageData), len(compressed), originalWidth, originalHeight, newWidth, newHeight, orientation)

	return compressed, nil
}
