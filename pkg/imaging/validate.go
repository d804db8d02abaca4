package imaging

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	// Registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// Mode selects how much of an image is decoded to accept it
type Mode string

const (
	ModeFull   Mode = "full"   // Decode every pixel; catches truncated bodies
	ModeHeader Mode = "header" // Decode the header only
)

// IsValid returns true for a known validation mode
func (m Mode) IsValid() bool {
	return m == ModeFull || m == ModeHeader
}

// Validator decodes bytes or files to decide whether they hold an image. Safe for concurrent use.
type Validator struct {
	mode Mode
}

// NewValidator creates a Validator; an unknown mode falls back to ModeFull
func NewValidator(mode Mode) *Validator {
	if !mode.IsValid() {
		mode = ModeFull
	}
	return &Validator{mode: mode}
}

// Mode returns the effective validation mode
func (v *Validator) Mode() Mode {
	return v.mode
}

// Validate decodes data and returns its dimensions, or an error wrapping utils.ErrInvalidImage
func (v *Validator) Validate(data []byte) (models.ImageInfo, error) {
	if len(data) == 0 {
		return models.ImageInfo{}, fmt.Errorf("%w: empty data", utils.ErrInvalidImage)
	}
	return v.decode(bytes.NewReader(data))
}

// ValidateFile opens path and validates its contents
func (v *Validator) ValidateFile(path string) (models.ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ImageInfo{}, fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()

	info, err := v.decode(f)
	if err != nil {
		return models.ImageInfo{}, fmt.Errorf("file '%s': %w", path, err)
	}
	return info, nil
}

func (v *Validator) decode(r io.Reader) (info models.ImageInfo, err error) {
	// Some third-party decoders panic on hostile input
	defer func() {
		if rec := recover(); rec != nil {
			info = models.ImageInfo{}
			err = fmt.Errorf("%w: decoder panic: %v", utils.ErrInvalidImage, rec)
		}
	}()

	if v.mode == ModeHeader {
		cfg, format, decErr := image.DecodeConfig(r)
		if decErr != nil {
			return models.ImageInfo{}, fmt.Errorf("%w: %w", utils.ErrInvalidImage, decErr)
		}
		return models.ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
	}

	img, format, decErr := image.Decode(r)
	if decErr != nil {
		return models.ImageInfo{}, fmt.Errorf("%w: %w", utils.ErrInvalidImage, decErr)
	}
	b := img.Bounds()
	return models.ImageInfo{Width: b.Dx(), Height: b.Dy(), Format: format}, nil
}

var defaultValidator = NewValidator(ModeFull)

// Validate decodes data with full validation
func Validate(data []byte) (models.ImageInfo, error) {
	return defaultValidator.Validate(data)
}

// ValidateFile validates the file at path with full validation
func ValidateFile(path string) (models.ImageInfo, error) {
	return defaultValidator.ValidateFile(path)
}
