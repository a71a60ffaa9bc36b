package progress

// Stage identifies which phase of the pipeline a record describes.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageOptimizing  Stage = "optimizing"
	StageOther       Stage = "other"
)

// Record is the tagged status update published for one download identifier.
// Exactly one of the stage-specific field groups is meaningful, selected by
// Stage. Total is a pointer because the provider may not have answered with
// a Content-Length yet.
type Record struct {
	Stage Stage `json:"stage"`

	// StageDownloading
	Speed    int64  `json:"speed,omitempty"` // bytes/sec, smoothed
	Received int64  `json:"received,omitempty"`
	Total    *int64 `json:"total,omitempty"`

	// StageOptimizing
	Percent float64 `json:"percent,omitempty"`

	// StageOther
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// Downloading builds a StageDownloading record.
func Downloading(speed, received int64, total *int64) Record {
	return Record{Stage: StageDownloading, Speed: speed, Received: received, Total: total}
}

// Optimizing builds a StageOptimizing record.
func Optimizing(percent float64) Record {
	return Record{Stage: StageOptimizing, Percent: percent}
}

// Info builds a non-terminal StageOther record.
func Info(text string) Record {
	return Record{Stage: StageOther, Text: text}
}

// Terminal builds a StageOther record that ends the identifier's stream.
func Terminal(text string) Record {
	return Record{Stage: StageOther, Text: text, Done: true}
}

// Event pairs a record with the identifier it belongs to; this is what
// subscribers receive.
type Event struct {
	ID     string `json:"id"`
	Record Record `json:"record"`
}
