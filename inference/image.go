package inference

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// LoadImage decodes the image file at path.
func LoadImage(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.Errorf("inference: cannot read image %s", path)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "inference: converting %s", path)
	}
	return img, nil
}
