// Package imagingtest builds small encoded images for tests.
package imagingtest

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
)

func fill(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: 0x80, A: 0xff})
		}
	}
	return img
}

// PNG returns a w x h PNG image
func PNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, fill(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG returns a w x h JPEG image
func JPEG(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fill(w, h), &jpeg.Options{Quality: 80}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// GIF returns a w x h GIF image
func GIF(w, h int) []byte {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, fill(w, h), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Truncated returns the first half of data
func Truncated(data []byte) []byte {
	return append([]byte(nil), data[:len(data)/2]...)
}
