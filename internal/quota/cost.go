package quota

// CostEstimator turns a unit (token) count into a USD estimate. The governor
// only consumes the number, so pricing can change without touching the
// admission logic.
type CostEstimator interface {
	EstimateCost(units int) float64
}

// CostEstimatorFunc adapts a function to CostEstimator.
type CostEstimatorFunc func(units int) float64

// EstimateCost calls f.
func (f CostEstimatorFunc) EstimateCost(units int) float64 {
	return f(units)
}

// LinearCostEstimator prices units with separate input and output rates.
// InputShare is the fraction of units billed at the input price.
type LinearCostEstimator struct {
	InputPricePerUnit  float64
	OutputPricePerUnit float64
	InputShare         float64
}

// DefaultCostEstimator prices at $3 per million input units and $15 per
// million output units with a 50/50 split.
func DefaultCostEstimator() LinearCostEstimator {
	return LinearCostEstimator{
		InputPricePerUnit:  3.0 / 1_000_000,
		OutputPricePerUnit: 15.0 / 1_000_000,
		InputShare:         0.5,
	}
}

// EstimateCost implements CostEstimator.
func (e LinearCostEstimator) EstimateCost(units int) float64 {
	if units <= 0 {
		return 0
	}
	share := e.InputShare
	if share < 0 {
		share = 0
	}
	if share > 1 {
		share = 1
	}
	in := float64(units) * share
	out := float64(units) - in
	return in*e.InputPricePerUnit + out*e.OutputPricePerUnit
}
