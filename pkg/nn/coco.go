package nn

// COCO evaluation constants, as used by pycocotools.

// IoU thresholds 0.50:0.05:0.95
var COCOIoUThresholds = []float32{0.50, 0.55, 0.60, 0.65, 0.70, 0.75, 0.80, 0.85, 0.90, 0.95}

// Number of points on the interpolated precision/recall curve
const COCORecallPoints = 101

// Detection caps for the AR metrics
var COCOMaxDetections = []int{1, 10, 100}

// AreaRange is a named range of box areas, in square pixels
type AreaRange struct {
	Name string
	Min  float64
	Max  float64
}

const COCOSmallArea = 32 * 32
const COCOLargeArea = 96 * 96

var COCOAreaRanges = []AreaRange{
	{Name: "all", Min: 0, Max: 1e10},
	{Name: "small", Min: 0, Max: COCOSmallArea},
	{Name: "medium", Min: COCOSmallArea, Max: COCOLargeArea},
	{Name: "large", Min: COCOLargeArea, Max: 1e10},
}

// Metric names, in the order that COCOeval.summarize() prints them
const (
	MetricAP       = "AP"
	MetricAP50     = "AP50"
	MetricAP75     = "AP75"
	MetricAPSmall  = "APs"
	MetricAPMedium = "APm"
	MetricAPLarge  = "APl"
	MetricAR1      = "ARmax1"
	MetricAR10     = "ARmax10"
	MetricAR100    = "ARmax100"
	MetricARSmall  = "ARs"
	MetricARMedium = "ARm"
	MetricARLarge  = "ARl"
)

var COCOMetricNames = []string{
	MetricAP, MetricAP50, MetricAP75, MetricAPSmall, MetricAPMedium, MetricAPLarge,
	MetricAR1, MetricAR10, MetricAR100, MetricARSmall, MetricARMedium, MetricARLarge,
}

// Name of the per-category AP metric, eg "AP_/Cat"
func PerCategoryMetricName(class string) string {
	return "AP_/" + class
}
