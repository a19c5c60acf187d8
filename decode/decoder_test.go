package decode

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/visimg/go-imagepool/cache"
)

// writeTestPNG writes a width x height PNG and returns its path
func writeTestPNG(t *testing.T, width int, height int) string {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 0, A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), "test.png")
	file, err := os.Create(path)
	assert.NoError(t, err)
	defer file.Close()

	assert.NoError(t, png.Encode(file, img))
	return path
}

func TestDecodeNaturalSize(t *testing.T) {
	path := writeTestPNG(t, 8, 4)
	decoder := NewImageDecoder(nil)

	buffer, err := decoder.Decode(NewFileRequestKey(path), 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 8, buffer.Width)
	assert.Equal(t, 4, buffer.Height)
	assert.Equal(t, 8*4*cache.BytesPerPixel, len(buffer.Data))
	assert.Equal(t, 1, buffer.RefCount())
}

func TestDecodeScalesDownPreservingAspect(t *testing.T) {
	path := writeTestPNG(t, 8, 4)
	decoder := NewImageDecoder(nil)

	buffer, err := decoder.Decode(NewFileRequestKey(path), 4, 4)
	assert.NoError(t, err)
	assert.Equal(t, 4, buffer.Width)
	assert.Equal(t, 2, buffer.Height)
}

func TestDecodeNeverUpscales(t *testing.T) {
	path := writeTestPNG(t, 8, 4)
	decoder := NewImageDecoder(nil)

	buffer, err := decoder.Decode(NewFileRequestKey(path), 100, 100)
	assert.NoError(t, err)
	assert.Equal(t, 8, buffer.Width)
	assert.Equal(t, 4, buffer.Height)
}

func TestDecodeMissingFile(t *testing.T) {
	decoder := NewImageDecoder(nil)

	buffer, err := decoder.Decode(NewFileRequestKey("/no/such/file.png"), 0, 0)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Nil(t, buffer)
}

func TestDecodeCorruptData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.png")
	assert.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	decoder := NewImageDecoder(nil)

	buffer, err := decoder.Decode(NewFileRequestKey(path), 0, 0)
	assert.Error(t, err)
	assert.Nil(t, buffer)
}

func TestDecodeUsesScratchProvider(t *testing.T) {
	bufferCache := cache.NewCache(64, nil)

	// evict an entry so its storage lands in the free pool
	bufferCache.Insert("old", cache.NewBuffer(8, 4))
	assert.NoError(t, bufferCache.Release("old"))
	bufferCache.Insert("new", cache.NewBuffer(4, 4))

	path := writeTestPNG(t, 8, 4)
	decoder := NewImageDecoder(bufferCache)

	buffer, err := decoder.Decode(NewFileRequestKey(path), 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 8, buffer.Width)
	assert.Equal(t, 4, buffer.Height)

	// the free pool is now drained
	assert.Nil(t, bufferCache.Scratch(8, 4))
}

func TestFitDimensions(t *testing.T) {
	testCases := []struct {
		name           string
		sourceWidth    int
		sourceHeight   int
		maxWidth       int
		maxHeight      int
		expectedWidth  int
		expectedHeight int
	}{
		{"natural when unbounded", 100, 50, 0, 0, 100, 50},
		{"natural when zero width", 100, 50, 0, 40, 100, 50},
		{"fits already", 30, 20, 40, 40, 30, 20},
		{"shrinks wide", 100, 50, 50, 50, 50, 25},
		{"shrinks tall", 50, 100, 50, 50, 25, 50},
		{"never below one", 1000, 1, 10, 10, 10, 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			width, height := fitDimensions(testCase.sourceWidth, testCase.sourceHeight, testCase.maxWidth, testCase.maxHeight)
			assert.Equal(t, testCase.expectedWidth, width)
			assert.Equal(t, testCase.expectedHeight, height)
		})
	}
}

func TestFileRequestKeyIdentity(t *testing.T) {
	key := NewFileRequestKey("/tmp/a.png")
	assert.Equal(t, "/tmp/a.png", key.ID())
	assert.True(t, key.SupportsDirectHandle())
}
