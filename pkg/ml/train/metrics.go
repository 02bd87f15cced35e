package train

import "fmt"

// Metrics of one training step, as reported by the terminal pipeline stage.
//
// Loss is the sum of the per-part mean losses the step computed; Correct
// counts right predictions among Examples samples. Ranks whose executors do
// not run the terminal stage report zero Loss and Correct.
type Metrics struct {
	Loss     float64
	Correct  int
	Examples int
}

// Accuracy in [0, 1]. Zero when no examples were counted.
func (m Metrics) Accuracy() float64 {
	if m.Examples == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Examples)
}

// Add returns the element-wise sum, for running tallies across steps.
func (m Metrics) Add(other Metrics) Metrics {
	return Metrics{
		Loss:     m.Loss + other.Loss,
		Correct:  m.Correct + other.Correct,
		Examples: m.Examples + other.Examples,
	}
}

func (m Metrics) String() string {
	return fmt.Sprintf("loss=%.4f, accuracy=%.2f%% (%d of %d)", m.Loss, 100*m.Accuracy(), m.Correct, m.Examples)
}
