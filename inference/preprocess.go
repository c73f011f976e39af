package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// PrepareInput writes img into dst as a planar RGB tensor of shape [3, height, width]
// with values in [0, 1].
//
// Arguments:
//   - img: The image to prepare. It is resized with Lanczos3 when its bounds differ from
//     width x height.
//   - width: The network input width.
//   - height: The network input height.
//   - dst: The destination buffer, at least 3*width*height floats long.
//
// Returns:
//   - error: An error if dst is too short.
func PrepareInput(img image.Image, width, height int, dst []float32) error {
	channelSize := width * height
	if len(dst) < channelSize*3 {
		return errors.Errorf("inference: destination holds %d floats, needs %d", len(dst), channelSize*3)
	}
	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	}
	origin := img.Bounds().Min

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(origin.X+x, origin.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}
