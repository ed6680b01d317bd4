package nn

import (
	"github.com/chewxy/math32"
)

// Rect is an axis aligned box in image pixels.
// Pascal VOC stores boxes as (xmin, ymin, xmax, ymax), which maps to
// Rect{X: xmin, Y: ymin, Width: xmax - xmin, Height: ymax - ymin}.
type Rect struct {
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
	Width  int32 `json:"width"`
	Height int32 `json:"height"`
}

// Create a Rect from two corners
func MakeRect(x1, y1, x2, y2 int32) Rect {
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

func (r Rect) X2() int32 {
	return r.X + r.Width
}

func (r Rect) Y2() int32 {
	return r.Y + r.Height
}

func (r Rect) Area() int32 {
	return r.Width * r.Height
}

func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union.
// Two empty boxes have an IoU of zero.
func (r Rect) IOU(b Rect) float32 {
	intersection := float32(r.Intersection(b).Area())
	union := float32(r.Area()) + float32(b.Area()) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Returns true if the rectangle lies entirely inside an image of the given size
func (r Rect) InsideImage(width, height int) bool {
	return r.X >= 0 && r.Y >= 0 && int(r.X2()) <= width && int(r.Y2()) <= height
}

// Normalized returns the box as [x1, y1, x2, y2], with each coordinate divided by the image size.
func (r Rect) Normalized(width, height int) [4]float32 {
	w := float32(width)
	h := float32(height)
	return [4]float32{
		float32(r.X) / w,
		float32(r.Y) / h,
		float32(r.X2()) / w,
		float32(r.Y2()) / h,
	}
}

// RectFromNormalized is the inverse of Rect.Normalized. The result is clipped to the image.
func RectFromNormalized(box [4]float32, width, height int) Rect {
	w := float32(width)
	h := float32(height)
	x1 := int32(math32.Round(clamp01(box[0]) * w))
	y1 := int32(math32.Round(clamp01(box[1]) * h))
	x2 := int32(math32.Round(clamp01(box[2]) * w))
	y2 := int32(math32.Round(clamp01(box[3]) * h))
	return MakeRect(x1, y1, max(x1, x2), max(y1, y2))
}

func clamp01(v float32) float32 {
	return max(0, min(1, v))
}
