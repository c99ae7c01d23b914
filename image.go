package imgcache

import (
	"bytes"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// PlaceholderSize is the edge length of the blank image shown when a
// resolution fails, so layouts keep their shape.
const PlaceholderSize = 100

// Image is a decoded, displayable handle. Handles are shared by pointer
// between the memory tier and every caller and must be treated as read-only.
type Image struct {
	Locator string
	Key     string
	Format  string
	Image   image.Image
	// Size is the length of the encoded bytes.
	Size int
}

// Bounds returns the decoded image bounds.
func (i *Image) Bounds() image.Rectangle {
	if i == nil || i.Image == nil {
		return image.Rectangle{}
	}
	return i.Image.Bounds()
}

// Decoder turns encoded bytes into an image.
type Decoder interface {
	Decode(data []byte) (img image.Image, format string, err error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (image.Image, string, error)

func (f DecoderFunc) Decode(data []byte) (image.Image, string, error) { return f(data) }

// DefaultDecoder decodes PNG, JPEG, GIF, BMP and WebP.
var DefaultDecoder Decoder = DecoderFunc(func(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
})

var placeholder = &Image{
	Format: "placeholder",
	Image:  image.NewNRGBA(image.Rect(0, 0, PlaceholderSize, PlaceholderSize)),
}

// Placeholder returns the shared blank image.
func Placeholder() *Image { return placeholder }
