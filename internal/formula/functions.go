package formula

// funcSpec fixes the accepted argument count for an allow-listed function.
// windowArg, when >= 0, marks the argument that must be a positive integer
// literal (the rolling window or shift amount), enforced at compile time.
type funcSpec struct {
	minArgs   int
	maxArgs   int
	windowArg int
}

// functions is the closed allow-list. Any call to a name outside this map
// fails compilation.
var functions = map[string]funcSpec{
	"abs":         {1, 1, -1},
	"sign":        {1, 1, -1},
	"log":         {1, 1, -1},
	"scale":       {1, 1, -1},
	"rank":        {1, 1, -1},
	"signedpower": {2, 2, -1},

	"delay": {2, 2, 1},
	"delta": {2, 2, 1},

	"sum":       {2, 2, 1},
	"product":   {2, 2, 1},
	"mean":      {2, 2, 1},
	"sma":       {2, 2, 1}, // alias of mean
	"stddev":    {2, 2, 1},
	"min":       {2, 2, 1},
	"max":       {2, 2, 1},
	"ts_argmax": {2, 2, 1},
	"ts_argmin": {2, 2, 1},

	"correlation": {3, 3, 2},
	"covariance":  {3, 3, 2},

	"ternary":       {3, 3, -1},
	"indneutralize": {1, 2, -1},
}

// symbols is the closed variable set. The evaluator derives returns from
// close when building a Context.
var symbols = map[string]bool{
	"open":    true,
	"high":    true,
	"low":     true,
	"close":   true,
	"volume":  true,
	"returns": true,
}

// crossSectional marks the functions that operate across instruments when
// evaluated in cross-sectional mode.
var crossSectional = map[string]bool{
	"rank":          true,
	"indneutralize": true,
}
