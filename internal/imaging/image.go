/**
 * Image decoding for the face detection worker
 *
 * Converts encoded image bytes into the raw height x width x channels pixel
 * array that detection backends consume. Pixels are stored in BGR order.
 */

package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Image is a decoded, un-normalized pixel array in row-major HWC layout.
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []uint8
}

// Decode decodes JPEG, PNG or GIF bytes into a 3-channel BGR image
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image data is empty")
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	img := FromImage(src)
	if img.Height == 0 || img.Width == 0 {
		return nil, fmt.Errorf("decoded %s image has no pixels", format)
	}

	return img, nil
}

// FromImage converts any image.Image into a BGR pixel array
func FromImage(src image.Image) *Image {
	bounds := src.Bounds()
	h, w := bounds.Dy(), bounds.Dx()

	img := &Image{
		Height:   h,
		Width:    w,
		Channels: 3,
		Pix:      make([]uint8, h*w*3),
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			img.Pix[i] = uint8(b >> 8)
			img.Pix[i+1] = uint8(g >> 8)
			img.Pix[i+2] = uint8(r >> 8)
			i += 3
		}
	}

	return img
}

// Validate checks that the pixel buffer matches the declared shape
func (m *Image) Validate() error {
	if m == nil {
		return fmt.Errorf("image is nil")
	}
	if m.Height <= 0 || m.Width <= 0 || m.Channels <= 0 {
		return fmt.Errorf("invalid image shape (%d, %d, %d)", m.Height, m.Width, m.Channels)
	}
	if len(m.Pix) != m.Height*m.Width*m.Channels {
		return fmt.Errorf("pixel buffer length %d does not match shape (%d, %d, %d)",
			len(m.Pix), m.Height, m.Width, m.Channels)
	}
	return nil
}

// Shape returns the array shape as (height, width, channels)
func (m *Image) Shape() [3]int {
	return [3]int{m.Height, m.Width, m.Channels}
}

// At returns the channel value at row y, column x
func (m *Image) At(y, x, c int) uint8 {
	return m.Pix[(y*m.Width+x)*m.Channels+c]
}
