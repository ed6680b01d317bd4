package nn

// ImageLabels contains the detections for a single image
type ImageLabels struct {
	Image   string            `json:"image"`
	Width   int               `json:"width"`
	Height  int               `json:"height"`
	Objects []ObjectDetection `json:"objects"`
}

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}
