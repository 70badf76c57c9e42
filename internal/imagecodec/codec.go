// Package imagecodec turns base64 image payloads into the normalized input
// tensor expected by the classifier.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"regexp"

	"github.com/nfnt/resize"
)

const (
	// Size is the side length the model was trained on.
	Size = 224
	// Channels is the number of color channels fed to the model.
	Channels = 3
)

var (
	ErrMissingImageData = errors.New("image_data is required")
	ErrInvalidBase64    = errors.New("image_data is not valid base64")
	ErrUnreadableImage  = errors.New("decoded bytes are not a supported image")
)

// Browser APIs often hand back data URIs; the payload follows the comma.
var dataURIPrefix = regexp.MustCompile(`^data:image/[^;]+;base64,`)

// Tensor is a batched, channels-last float32 image tensor with values in [0,1].
type Tensor struct {
	Data []float32
	Dims []int64
}

// DecodePayload strips an optional data-URI prefix and base64-decodes the
// payload into raw image bytes.
func DecodePayload(imageData string) ([]byte, error) {
	if imageData == "" {
		return nil, ErrMissingImageData
	}
	payload := dataURIPrefix.ReplaceAllString(imageData, "")
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return raw, nil
}

// ToTensor parses raw image bytes, resizes to Size x Size, and normalizes
// pixel values into [0,1] in HWC order with a leading batch dimension.
func ToTensor(raw []byte) (*Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}

	resized := resize.Resize(Size, Size, img, resize.Lanczos3)

	data := make([]float32, Size*Size*Channels)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			// NRGBA keeps the stored channel values: alpha is dropped,
			// not composited, so transparency never darkens a pixel.
			rgb := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			offset := (y*Size + x) * Channels
			data[offset] = float32(rgb.R) / 255.0
			data[offset+1] = float32(rgb.G) / 255.0
			data[offset+2] = float32(rgb.B) / 255.0
		}
	}

	return &Tensor{
		Data: data,
		Dims: []int64{1, Size, Size, Channels},
	}, nil
}

// Decode runs the full pipeline from request payload to input tensor.
func Decode(imageData string) (*Tensor, error) {
	raw, err := DecodePayload(imageData)
	if err != nil {
		return nil, err
	}
	return ToTensor(raw)
}
