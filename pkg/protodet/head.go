package protodet

import (
	"github.com/chewxy/math32"
	"github.com/cyclopcam/odmaker/pkg/dataset"
)

// Box in normalized [x1, y1, x2, y2] form
type normBox = [4]float32

// Initial prior of every class: a box covering the center quarter of the image
var initialPrior = normBox{0.25, 0.25, 0.75, 0.75}

// head is the class-prior regression head. For every class it learns the expected box
// of that class (in normalized coordinates), and how often the class appears per image.
type head struct {
	priors  []normBox
	objects []int // Number of objects of each class seen during training
	images  int   // Number of images seen during training
}

func newHead(numClasses int) *head {
	h := &head{
		priors:  make([]normBox, numClasses),
		objects: make([]int, numClasses),
	}
	for i := range h.priors {
		h.priors[i] = initialPrior
	}
	return h
}

// Smooth L1 (Huber, delta 1) loss and its derivative
func smoothL1(d float32) (float32, float32) {
	a := math32.Abs(d)
	if a < 1 {
		return 0.5 * d * d, d
	}
	if d < 0 {
		return a - 0.5, -1
	}
	return a - 0.5, 1
}

// Mean box loss of the examples. Returns the loss and the number of objects that contributed.
// If grad is not nil, the gradient of the summed loss is accumulated into it.
func (h *head) loss(examples []*dataset.Example, grad []normBox) (float64, int) {
	total := float64(0)
	n := 0
	for _, ex := range examples {
		for _, obj := range ex.Objects {
			gt := obj.Box.Normalized(ex.Width, ex.Height)
			p := h.priors[obj.Class]
			for k := 0; k < 4; k++ {
				l, g := smoothL1(p[k] - gt[k])
				total += float64(l)
				if grad != nil {
					grad[obj.Class][k] += g
				}
			}
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return total / float64(n), n
}

// One SGD step on a batch. Returns the loss before the step.
// The gradient of each class is averaged over that class's objects in the batch.
func (h *head) step(batch []*dataset.Example, learningRate float32) float64 {
	grad := make([]normBox, len(h.priors))
	loss, _ := h.loss(batch, grad)
	counts := make([]int, len(h.priors))
	h.images += len(batch)
	for _, ex := range batch {
		for _, obj := range ex.Objects {
			counts[obj.Class]++
			h.objects[obj.Class]++
		}
	}
	for c := range h.priors {
		if counts[c] == 0 {
			continue
		}
		scale := learningRate / float32(counts[c])
		for k := 0; k < 4; k++ {
			h.priors[c][k] -= scale * grad[c][k]
		}
		h.priors[c] = clampBox(h.priors[c])
	}
	return loss
}

// Fraction of images in which a class appears, capped at 1
func (h *head) frequency() []float32 {
	freq := make([]float32, len(h.objects))
	if h.images == 0 {
		return freq
	}
	for c, n := range h.objects {
		freq[c] = min(1, float32(n)/float32(h.images))
	}
	return freq
}

func clampBox(b normBox) normBox {
	for k := range b {
		b[k] = max(0, min(1, b[k]))
	}
	if b[2] < b[0] {
		b[0], b[2] = b[2], b[0]
	}
	if b[3] < b[1] {
		b[1], b[3] = b[3], b[1]
	}
	return b
}
