package decode

import (
	"image"
	"io"

	// stdlib codecs
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	// extended codecs
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	log "github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/xerrors"

	"github.com/visimg/go-imagepool/cache"
)

// Decoder turns the bytes behind a request key into a pixel buffer sized
// to fit the target dimensions
type Decoder interface {
	Decode(key RequestKey, width int, height int) (*cache.Buffer, error)
}

// ScratchProvider hands out reclaimed buffers for decode reuse.
// cache.Cache implements it.
type ScratchProvider interface {
	Scratch(width int, height int) *cache.Buffer
}

// ImageDecoder is the default Decoder. It decodes any registered image
// format and downscales to fit the target dimensions, preserving aspect
// ratio and never upscaling.
type ImageDecoder struct {
	scratch ScratchProvider
}

// NewImageDecoder creates a new ImageDecoder. The scratch provider may be
// nil, in which case every decode allocates a fresh buffer.
func NewImageDecoder(scratch ScratchProvider) *ImageDecoder {
	return &ImageDecoder{
		scratch: scratch,
	}
}

// Decode opens the key's source, decodes it, and scales the pixels into a
// pooled buffer. A target width or height of zero keeps the natural size.
func (decoder *ImageDecoder) Decode(key RequestKey, width int, height int) (*cache.Buffer, error) {
	logger := log.WithFields(log.Fields{
		"package":  "decode",
		"struct":   "ImageDecoder",
		"function": "Decode",
	})

	source, err := openSource(key)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	img, format, err := image.Decode(source)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode image for key %q: %w", key.ID(), err)
	}

	sourceWidth := img.Bounds().Dx()
	sourceHeight := img.Bounds().Dy()
	targetWidth, targetHeight := fitDimensions(sourceWidth, sourceHeight, width, height)

	logger.Debugf("decoded %s image %dx%d for key %q, target %dx%d", format, sourceWidth, sourceHeight, key.ID(), targetWidth, targetHeight)

	buffer := decoder.obtainBuffer(targetWidth, targetHeight)

	target := &image.RGBA{
		Pix:    buffer.Data,
		Stride: targetWidth * cache.BytesPerPixel,
		Rect:   image.Rect(0, 0, targetWidth, targetHeight),
	}

	if targetWidth == sourceWidth && targetHeight == sourceHeight {
		xdraw.Draw(target, target.Bounds(), img, img.Bounds().Min, xdraw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(target, target.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	}

	return buffer, nil
}

// obtainBuffer reuses a reclaimed buffer when one fits, otherwise allocates
func (decoder *ImageDecoder) obtainBuffer(width int, height int) *cache.Buffer {
	if decoder.scratch != nil {
		if buffer := decoder.scratch.Scratch(width, height); buffer != nil {
			return buffer
		}
	}

	return cache.NewBuffer(width, height)
}

// openSource opens input for the key, preferring the direct handle path
func openSource(key RequestKey) (io.ReadCloser, error) {
	logger := log.WithFields(log.Fields{
		"package":  "decode",
		"function": "openSource",
	})

	if key.SupportsDirectHandle() {
		handle, err := key.OpenHandle()
		if err == nil {
			return handle, nil
		}

		logger.WithError(err).Debugf("direct handle failed for key %q, falling back to stream", key.ID())
	}

	return key.OpenSource()
}

// fitDimensions shrinks source dimensions to fit within the target box,
// preserving aspect ratio. Zero target dimensions keep the natural size,
// and images already within the box are not scaled up.
func fitDimensions(sourceWidth int, sourceHeight int, maxWidth int, maxHeight int) (int, int) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return sourceWidth, sourceHeight
	}

	if sourceWidth <= maxWidth && sourceHeight <= maxHeight {
		return sourceWidth, sourceHeight
	}

	scaleWidth := float64(maxWidth) / float64(sourceWidth)
	scaleHeight := float64(maxHeight) / float64(sourceHeight)

	scale := scaleWidth
	if scaleHeight < scale {
		scale = scaleHeight
	}

	width := int(float64(sourceWidth)*scale + 0.5)
	height := int(float64(sourceHeight)*scale + 0.5)

	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	return width, height
}
