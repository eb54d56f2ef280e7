package scoring

// Defaults for a scoring run.
const (
	DefaultStartYear = 2000
	DefaultEndYear   = 2023

	// scoreTolerance is how far outside [0, 1] an indicator score may drift
	// through rounding before it is treated as a computation failure.
	scoreTolerance = 1e-9
)

// DefaultWindow returns the default scoring window, 2000 through 2023.
func DefaultWindow() Window {
	return Window{Start: DefaultStartYear, End: DefaultEndYear}
}
