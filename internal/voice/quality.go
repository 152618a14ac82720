package voice

// Quality is a coarse label derived from the most recent ping round trip.
// Each measurement overwrites the previous sample; no smoothing is applied.
type Quality string

const (
	QualityUnknown   Quality = ""
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityFor buckets a round-trip time in milliseconds.
func QualityFor(latencyMs int64) Quality {
	switch {
	case latencyMs <= 70:
		return QualityExcellent
	case latencyMs <= 130:
		return QualityGood
	case latencyMs <= 220:
		return QualityFair
	default:
		return QualityPoor
	}
}
