package face

import (
	"image"

	"golang.org/x/image/draw"
)

// Crop cuts box out of img with symmetric padding (a fraction of the box
// width and height), clamps to the image bounds and resizes to size x size.
func Crop(img image.Image, box image.Rectangle, padding float64, size int) image.Image {
	bounds := img.Bounds()
	box = box.Canon()
	padX := int(float64(box.Dx()) * padding)
	padY := int(float64(box.Dy()) * padding)
	region := image.Rect(box.Min.X-padX, box.Min.Y-padY, box.Max.X+padX, box.Max.Y+padY).Intersect(bounds)
	if region.Empty() {
		region = bounds
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, region, draw.Over, nil)
	return dst
}
