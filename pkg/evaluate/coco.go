package evaluate

import (
	"math"
	"sort"

	"github.com/cyclopcam/odmaker/pkg/nn"
)

// This is a port of the matching and accumulation rules of pycocotools COCOeval, for boxes.
// Difficult objects play the role of COCO crowd regions.

type gtBox struct {
	box   nn.Rect
	area  float64
	crowd bool
}

type dtBox struct {
	box   nn.Rect
	area  float64
	score float32
}

// Ground truth and detections of one image
type imageResult struct {
	gts []gtBox
	dts []dtBox
	// Parallel to gts/dts
	gtClass []int
	dtClass []int
}

// Result of matching one (image, class, area range)
type imageEval struct {
	scores    []float32
	dtMatched [][]bool // [iou threshold][detection]
	dtIgnore  [][]bool // [iou threshold][detection]
	numGT     int      // Ground truth boxes that are not ignored
}

// IoU thresholds as float64, exactly as np.linspace(0.5, 0.95, 10) would round them
func iouThresholds() []float64 {
	t := make([]float64, len(nn.COCOIoUThresholds))
	for i := range t {
		t[i] = math.Round(float64(nn.COCOIoUThresholds[i])*100) / 100
	}
	return t
}

func outside(area float64, rng nn.AreaRange) bool {
	return area < rng.Min || area > rng.Max
}

// Crowd regions use the area of the detection instead of the union
func boxIoU(dt dtBox, gt gtBox) float64 {
	inter := float64(dt.box.Intersection(gt.box).Area())
	if inter == 0 {
		return 0
	}
	union := dt.area + gt.area - inter
	if gt.crowd {
		union = dt.area
	}
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Match the detections of one class in one image against the ground truth.
// dts must be sorted by descending score. Returns nil if there is nothing to evaluate.
func evaluateImg(gts []gtBox, dts []dtBox, rng nn.AreaRange, maxDet int, thresholds []float64) *imageEval {
	if len(gts) == 0 && len(dts) == 0 {
		return nil
	}

	// Non-ignored ground truth first
	ignore := make([]bool, len(gts))
	order := make([]int, len(gts))
	for i, g := range gts {
		ignore[i] = g.crowd || outside(g.area, rng)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return !ignore[order[a]] && ignore[order[b]]
	})
	sorted := make([]gtBox, len(gts))
	sortedIgnore := make([]bool, len(gts))
	for i, j := range order {
		sorted[i] = gts[j]
		sortedIgnore[i] = ignore[j]
	}

	dts = dts[:min(maxDet, len(dts))]
	ious := make([][]float64, len(dts))
	for d := range dts {
		ious[d] = make([]float64, len(sorted))
		for g := range sorted {
			ious[d][g] = boxIoU(dts[d], sorted[g])
		}
	}

	e := &imageEval{
		scores:    make([]float32, len(dts)),
		dtMatched: make([][]bool, len(thresholds)),
		dtIgnore:  make([][]bool, len(thresholds)),
	}
	for d := range dts {
		e.scores[d] = dts[d].score
	}
	for _, ig := range sortedIgnore {
		if !ig {
			e.numGT++
		}
	}

	for ti, thr := range thresholds {
		gtMatched := make([]bool, len(sorted))
		e.dtMatched[ti] = make([]bool, len(dts))
		e.dtIgnore[ti] = make([]bool, len(dts))
		for d := range dts {
			best := min(thr, 1-1e-10)
			m := -1
			for g := range sorted {
				// Crowd regions can be matched many times
				if gtMatched[g] && !sorted[g].crowd {
					continue
				}
				// Once matched to a real object, stop before the ignored ones
				if m > -1 && !sortedIgnore[m] && sortedIgnore[g] {
					break
				}
				if ious[d][g] < best {
					continue
				}
				best = ious[d][g]
				m = g
			}
			if m == -1 {
				continue
			}
			e.dtIgnore[ti][d] = sortedIgnore[m]
			e.dtMatched[ti][d] = true
			gtMatched[m] = true
		}
		// Unmatched detections outside the area range don't count as false positives
		for d := range dts {
			if !e.dtMatched[ti][d] && outside(dts[d].area, rng) {
				e.dtIgnore[ti][d] = true
			}
		}
	}
	return e
}

// cocoEval holds the accumulated precision and recall tables.
// Entries are -1 where a class has no ground truth.
type cocoEval struct {
	nT, nR, nK, nA, nM int
	precision          []float64 // [T][R][K][A][M]
	recall             []float64 // [T][K][A][M]
}

func (c *cocoEval) pIndex(t, r, k, a, m int) int {
	return (((t*c.nR+r)*c.nK+k)*c.nA+a)*c.nM + m
}

func (c *cocoEval) rIndex(t, k, a, m int) int {
	return ((t*c.nK+k)*c.nA+a)*c.nM + m
}

// Run the whole evaluation over all images
func runCOCO(images []imageResult, numClasses int) *cocoEval {
	thresholds := iouThresholds()
	areas := nn.COCOAreaRanges
	maxDets := nn.COCOMaxDetections
	maxDet := maxDets[len(maxDets)-1]

	c := &cocoEval{
		nT: len(thresholds),
		nR: nn.COCORecallPoints,
		nK: numClasses,
		nA: len(areas),
		nM: len(maxDets),
	}
	c.precision = make([]float64, c.nT*c.nR*c.nK*c.nA*c.nM)
	c.recall = make([]float64, c.nT*c.nK*c.nA*c.nM)
	for i := range c.precision {
		c.precision[i] = -1
	}
	for i := range c.recall {
		c.recall[i] = -1
	}

	// Split every image by class, with detections sorted by score
	type perClass struct {
		gts []gtBox
		dts []dtBox
	}
	split := make([][]perClass, len(images))
	for i, img := range images {
		split[i] = make([]perClass, numClasses)
		for j, g := range img.gts {
			split[i][img.gtClass[j]].gts = append(split[i][img.gtClass[j]].gts, g)
		}
		for j, d := range img.dts {
			split[i][img.dtClass[j]].dts = append(split[i][img.dtClass[j]].dts, d)
		}
		for k := range split[i] {
			dts := split[i][k].dts
			sort.SliceStable(dts, func(a, b int) bool {
				return dts[a].score > dts[b].score
			})
		}
	}

	for k := 0; k < numClasses; k++ {
		for a, rng := range areas {
			evals := make([]*imageEval, 0, len(images))
			for i := range images {
				if e := evaluateImg(split[i][k].gts, split[i][k].dts, rng, maxDet, thresholds); e != nil {
					evals = append(evals, e)
				}
			}
			for m, md := range maxDets {
				c.accumulate(evals, k, a, m, md)
			}
		}
	}
	return c
}

func (c *cocoEval) accumulate(evals []*imageEval, k, a, m, maxDet int) {
	type det struct {
		score float32
		e     *imageEval
		d     int
	}
	dets := []det{}
	numGT := 0
	for _, e := range evals {
		for d := 0; d < min(maxDet, len(e.scores)); d++ {
			dets = append(dets, det{e.scores[d], e, d})
		}
		numGT += e.numGT
	}
	if numGT == 0 {
		return
	}
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].score > dets[j].score
	})

	nd := len(dets)
	rc := make([]float64, nd)
	pr := make([]float64, nd)
	for t := 0; t < c.nT; t++ {
		tp, fp := 0.0, 0.0
		for i, dt := range dets {
			if !dt.e.dtIgnore[t][dt.d] {
				if dt.e.dtMatched[t][dt.d] {
					tp++
				} else {
					fp++
				}
			}
			rc[i] = tp / float64(numGT)
			pr[i] = tp / (fp + tp + math.SmallestNonzeroFloat64)
		}
		if nd != 0 {
			c.recall[c.rIndex(t, k, a, m)] = rc[nd-1]
		} else {
			c.recall[c.rIndex(t, k, a, m)] = 0
		}

		// Make precision monotonically decreasing
		for i := nd - 1; i > 0; i-- {
			if pr[i] > pr[i-1] {
				pr[i-1] = pr[i]
			}
		}
		for r := 0; r < c.nR; r++ {
			recallThreshold := float64(r) / float64(c.nR-1)
			// First index where rc >= threshold (np.searchsorted, side='left')
			pi := sort.SearchFloat64s(rc, recallThreshold)
			q := 0.0
			if pi < nd {
				q = pr[pi]
			}
			c.precision[c.pIndex(t, r, k, a, m)] = q
		}
	}
}

func meanValid(values []float64) float64 {
	sum := 0.0
	n := 0
	for _, v := range values {
		if v > -1 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}

// Mean precision over the selected IoU thresholds (-1 means all), recall points, and classes (-1 means all)
func (c *cocoEval) averagePrecision(iouIdx, class, a, m int) float64 {
	values := []float64{}
	for t := 0; t < c.nT; t++ {
		if iouIdx >= 0 && t != iouIdx {
			continue
		}
		for r := 0; r < c.nR; r++ {
			for k := 0; k < c.nK; k++ {
				if class >= 0 && k != class {
					continue
				}
				values = append(values, c.precision[c.pIndex(t, r, k, a, m)])
			}
		}
	}
	return meanValid(values)
}

func (c *cocoEval) averageRecall(a, m int) float64 {
	values := []float64{}
	for t := 0; t < c.nT; t++ {
		for k := 0; k < c.nK; k++ {
			values = append(values, c.recall[c.rIndex(t, k, a, m)])
		}
	}
	return meanValid(values)
}

// Index of an IoU threshold
func iouIndex(thr float64) int {
	for i, t := range iouThresholds() {
		if math.Abs(t-thr) < 1e-9 {
			return i
		}
	}
	return -1
}

// Produce the COCO summary metrics, plus per-class AP
func (c *cocoEval) summarize(classes []string) Metrics {
	const all, small, medium, large = 0, 1, 2, 3
	last := c.nM - 1
	metrics := Metrics{
		nn.MetricAP:       c.averagePrecision(-1, -1, all, last),
		nn.MetricAP50:     c.averagePrecision(iouIndex(0.5), -1, all, last),
		nn.MetricAP75:     c.averagePrecision(iouIndex(0.75), -1, all, last),
		nn.MetricAPSmall:  c.averagePrecision(-1, -1, small, last),
		nn.MetricAPMedium: c.averagePrecision(-1, -1, medium, last),
		nn.MetricAPLarge:  c.averagePrecision(-1, -1, large, last),
		nn.MetricAR1:      c.averageRecall(all, 0),
		nn.MetricAR10:     c.averageRecall(all, 1),
		nn.MetricAR100:    c.averageRecall(all, last),
		nn.MetricARSmall:  c.averageRecall(small, last),
		nn.MetricARMedium: c.averageRecall(medium, last),
		nn.MetricARLarge:  c.averageRecall(large, last),
	}
	for k, name := range classes {
		metrics[nn.PerCategoryMetricName(name)] = c.averagePrecision(-1, k, all, last)
	}
	return metrics
}
