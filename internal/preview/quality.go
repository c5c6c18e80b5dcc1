package preview

import "fmt"

// Quality is a viewer-selected preview tier.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// Tier holds the delivery parameters for one quality level.
type Tier struct {
	MaxFPS      int
	Compression int // JPEG quality 1-100
	MaxWidth    int
	MaxHeight   int
}

var tiers = map[Quality]Tier{
	QualityHigh:   {MaxFPS: 30, Compression: 80, MaxWidth: 1280, MaxHeight: 720},
	QualityMedium: {MaxFPS: 20, Compression: 60, MaxWidth: 854, MaxHeight: 480},
	QualityLow:    {MaxFPS: 10, Compression: 40, MaxWidth: 640, MaxHeight: 360},
}

// ParseQuality validates a client-supplied quality string.
func ParseQuality(s string) (Quality, error) {
	q := Quality(s)
	if _, ok := tiers[q]; !ok {
		return "", fmt.Errorf("preview: unknown quality %q", s)
	}
	return q, nil
}

// TierFor returns the delivery parameters for q, defaulting to medium
// for anything unrecognized.
func TierFor(q Quality) Tier {
	if t, ok := tiers[q]; ok {
		return t
	}
	return tiers[QualityMedium]
}
