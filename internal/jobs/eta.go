package jobs

// Defaults used when a model declares no base time.
const (
	DefaultBaseSeconds    = 30
	DefaultPerItemSeconds = 5
)

// ETAEstimator predicts processing time from the model and the number of
// images. Estimates are never persisted.
type ETAEstimator struct {
	base        map[string]int
	defaultBase int
	perItem     int
}

// NewETAEstimator copies base, a per-model table of base seconds.
func NewETAEstimator(base map[string]int) *ETAEstimator {
	b := make(map[string]int, len(base))
	for k, v := range base {
		b[k] = v
	}
	return &ETAEstimator{base: b, defaultBase: DefaultBaseSeconds, perItem: DefaultPerItemSeconds}
}

// Estimate returns the expected processing time in seconds.
func (e *ETAEstimator) Estimate(model string, items int) int {
	base, ok := e.base[model]
	if !ok {
		base = e.defaultBase
	}
	if items < 0 {
		items = 0
	}
	return base + items*e.perItem
}
