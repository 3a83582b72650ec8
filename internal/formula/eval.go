package formula

import (
	"fmt"
	"math"
	"sort"
)

// Series is an ordered run of values aligned to the candle timestamps of
// one instrument. NaN marks an undefined point (insufficient window data,
// division by zero, ...) and propagates through arithmetic.
type Series []float64

// Last returns the most recent point, or NaN for an empty series.
func (s Series) Last() float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}

func nanSeries(n int) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// Context binds every formula symbol to an equal-length series for one
// instrument. Build one with NewContext, which derives returns from close.
type Context map[string]Series

// NewContext assembles a Context from aligned OHLCV series. returns[t] is
// the simple return close[t]/close[t-1] - 1, NaN at t = 0.
func NewContext(open, high, low, closeS, volume Series) Context {
	returns := nanSeries(len(closeS))
	for t := 1; t < len(closeS); t++ {
		prev := closeS[t-1]
		if prev == 0 || math.IsNaN(prev) || math.IsNaN(closeS[t]) {
			continue
		}
		returns[t] = closeS[t]/prev - 1
	}
	return Context{
		"open":    open,
		"high":    high,
		"low":     low,
		"close":   closeS,
		"volume":  volume,
		"returns": returns,
	}
}

func (c Context) validate() (int, error) {
	n := -1
	for name := range symbols {
		s, ok := c[name]
		if !ok {
			return 0, fmt.Errorf("context missing symbol %q", name)
		}
		if n == -1 {
			n = len(s)
		} else if len(s) != n {
			return 0, fmt.Errorf("context series %q has length %d, want %d", name, len(s), n)
		}
	}
	return n, nil
}

// value is an evaluated subtree: either a scalar (numeric literal) or a
// full series. Scalars broadcast over elementwise operations.
type value struct {
	scalar bool
	num    float64
	series Series
}

func scalarValue(x float64) value { return value{scalar: true, num: x} }
func seriesValue(s Series) value  { return value{series: s} }

func (v value) at(i int) float64 {
	if v.scalar {
		return v.num
	}
	return v.series[i]
}

// materialize returns the value as a series of length n.
func (v value) materialize(n int) Series {
	if !v.scalar {
		return v.series
	}
	s := make(Series, n)
	for i := range s {
		s[i] = v.num
	}
	return s
}

// Evaluate executes a compiled Program against one instrument's context,
// producing the signal series. The only errors are defensive (malformed
// context); a validated Program cannot fail mid-walk — undefined values
// surface as NaN, never as errors.
func Evaluate(p *Program, ctx Context) (Series, error) {
	n, err := ctx.validate()
	if err != nil {
		return nil, err
	}
	ev := &evaluator{ctx: ctx, n: n}
	return ev.eval(p.Root).materialize(n), nil
}

type evaluator struct {
	ctx Context
	n   int
}

func (ev *evaluator) eval(node *Node) value {
	var args []value
	if len(node.Args) > 0 {
		args = make([]value, len(node.Args))
		for i, a := range node.Args {
			args[i] = ev.eval(a)
		}
	}
	return ev.apply(node, args)
}

// apply executes a single node whose children have already been evaluated.
// The cross-sectional evaluator calls it directly with per-instrument args.
func (ev *evaluator) apply(node *Node, args []value) value {
	switch node.Kind {
	case KindConst:
		return scalarValue(node.Value)

	case KindVar:
		return seriesValue(ev.ctx[node.Name])

	case KindUnary:
		return ev.elementwise1(args[0], unaryFn(node.Op))

	case KindBinary:
		return ev.elementwise2(args[0], args[1], binaryFn(node.Op))

	case KindCompare:
		return ev.elementwise2(args[0], args[1], compareFn(node.Op))

	case KindTernary:
		return ev.ternary(args[0], args[1], args[2])

	case KindCall:
		return ev.call(node.Name, node.Args, args)
	}
	return scalarValue(math.NaN())
}

func unaryFn(op Op) func(float64) float64 {
	return func(x float64) float64 {
		switch op {
		case OpNeg:
			return -x
		case OpPos:
			return x
		case OpNot:
			if math.IsNaN(x) {
				return math.NaN()
			}
			if x != 0 {
				return 0
			}
			return 1
		}
		return math.NaN()
	}
}

func binaryFn(op Op) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN()
		}
		switch op {
		case OpAdd:
			return a + b
		case OpSub:
			return a - b
		case OpMul:
			return a * b
		case OpDiv:
			if b == 0 {
				return math.NaN()
			}
			return a / b
		case OpPow:
			return math.Pow(a, b)
		case OpMod:
			if b == 0 {
				return math.NaN()
			}
			return math.Mod(a, b)
		case OpAnd:
			if a != 0 && b != 0 {
				return 1
			}
			return 0
		case OpOr:
			if a != 0 || b != 0 {
				return 1
			}
			return 0
		}
		return math.NaN()
	}
}

func compareFn(op Op) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN()
		}
		var ok bool
		switch op {
		case OpGT:
			ok = a > b
		case OpLT:
			ok = a < b
		case OpGE:
			ok = a >= b
		case OpLE:
			ok = a <= b
		case OpEQ:
			ok = a == b
		case OpNE:
			ok = a != b
		}
		if ok {
			return 1
		}
		return 0
	}
}

func (ev *evaluator) elementwise1(v value, f func(float64) float64) value {
	if v.scalar {
		return scalarValue(f(v.num))
	}
	out := make(Series, ev.n)
	for i := range out {
		out[i] = f(v.series[i])
	}
	return seriesValue(out)
}

func (ev *evaluator) elementwise2(a, b value, f func(x, y float64) float64) value {
	if a.scalar && b.scalar {
		return scalarValue(f(a.num, b.num))
	}
	out := make(Series, ev.n)
	for i := range out {
		out[i] = f(a.at(i), b.at(i))
	}
	return seriesValue(out)
}

func (ev *evaluator) ternary(cond, then, els value) value {
	out := make(Series, ev.n)
	for i := range out {
		c := cond.at(i)
		switch {
		case math.IsNaN(c):
			out[i] = math.NaN()
		case c != 0:
			out[i] = then.at(i)
		default:
			out[i] = els.at(i)
		}
	}
	return seriesValue(out)
}

// call applies an allow-listed function. rawArgs carries the AST nodes so
// validated window literals can be read without re-evaluation.
func (ev *evaluator) call(name string, rawArgs []*Node, args []value) value {
	switch name {
	case "abs":
		return ev.elementwise1(args[0], func(x float64) float64 { return math.Abs(x) })

	case "sign":
		return ev.elementwise1(args[0], sign)

	case "log":
		return ev.elementwise1(args[0], func(x float64) float64 {
			if x <= 0 || math.IsNaN(x) {
				return math.NaN()
			}
			return math.Log(x)
		})

	case "signedpower":
		return ev.elementwise2(args[0], args[1], func(x, e float64) float64 {
			if math.IsNaN(x) || math.IsNaN(e) {
				return math.NaN()
			}
			return sign(x) * math.Pow(math.Abs(x), e)
		})

	case "ternary":
		return ev.ternary(args[0], args[1], args[2])

	case "scale":
		return seriesValue(scaleSeries(args[0].materialize(ev.n)))

	case "rank":
		return seriesValue(rankSeries(args[0].materialize(ev.n)))

	case "indneutralize":
		x := args[0].materialize(ev.n)
		if len(args) == 2 {
			return seriesValue(groupDemean(x, args[1].materialize(ev.n)))
		}
		return seriesValue(demeanSeries(x))

	case "delay":
		k := int(rawArgs[1].Value)
		x := args[0].materialize(ev.n)
		out := nanSeries(ev.n)
		for t := k; t < ev.n; t++ {
			out[t] = x[t-k]
		}
		return seriesValue(out)

	case "delta":
		k := int(rawArgs[1].Value)
		x := args[0].materialize(ev.n)
		out := nanSeries(ev.n)
		for t := k; t < ev.n; t++ {
			out[t] = x[t] - x[t-k]
		}
		return seriesValue(out)

	case "sum":
		return ev.rolling(args[0], rawArgs[1], func(w *windowStat) float64 { return w.sum })
	case "mean", "sma":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).mean)
	case "stddev":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).stddev)
	case "min":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).minimum)
	case "max":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).maximum)
	case "product":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).product)
	case "ts_argmax":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).argmax)
	case "ts_argmin":
		return ev.rolling(args[0], rawArgs[1], (*windowStat).argmin)

	case "correlation":
		w := int(rawArgs[2].Value)
		return seriesValue(rollingPair(args[0].materialize(ev.n), args[1].materialize(ev.n), w,
			(*pairStat).correlation))
	case "covariance":
		w := int(rawArgs[2].Value)
		return seriesValue(rollingPair(args[0].materialize(ev.n), args[1].materialize(ev.n), w,
			(*pairStat).covariance))
	}
	// unreachable for a validated Program
	return scalarValue(math.NaN())
}

func (ev *evaluator) rolling(x value, windowNode *Node, f func(*windowStat) float64) value {
	w := int(windowNode.Value)
	return seriesValue(rollingApply(x.materialize(ev.n), w, f))
}

func sign(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return math.NaN()
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// demeanSeries subtracts the series mean, skipping NaN.
func demeanSeries(x Series) Series {
	var sum float64
	var count int
	for _, v := range x {
		if !math.IsNaN(v) {
			sum += v
			count++
		}
	}
	out := nanSeries(len(x))
	if count == 0 {
		return out
	}
	mean := sum / float64(count)
	for i, v := range x {
		if !math.IsNaN(v) {
			out[i] = v - mean
		}
	}
	return out
}

// groupDemean subtracts the per-group mean over time, groups being another
// series whose equal values define the buckets.
func groupDemean(x, group Series) Series {
	sums := make(map[float64]float64)
	counts := make(map[float64]int)
	for i, v := range x {
		g := group[i]
		if math.IsNaN(v) || math.IsNaN(g) {
			continue
		}
		sums[g] += v
		counts[g]++
	}
	out := nanSeries(len(x))
	for i, v := range x {
		g := group[i]
		if math.IsNaN(v) || math.IsNaN(g) || counts[g] == 0 {
			continue
		}
		out[i] = v - sums[g]/float64(counts[g])
	}
	return out
}

// scaleSeries standardizes the series: (x - mean) / std with sample std
// (ddof=1), skipping NaN.
func scaleSeries(x Series) Series {
	var sum, sumsq float64
	var count int
	for _, v := range x {
		if !math.IsNaN(v) {
			sum += v
			sumsq += v * v
			count++
		}
	}
	out := nanSeries(len(x))
	if count < 2 {
		return out
	}
	n := float64(count)
	mean := sum / n
	variance := (sumsq - sum*sum/n) / (n - 1)
	if variance <= 0 {
		return out
	}
	std := math.Sqrt(variance)
	for i, v := range x {
		if !math.IsNaN(v) {
			out[i] = (v - mean) / std
		}
	}
	return out
}

// rankSeries gives each point its percentile rank (average method) among
// all defined points of the series, shifted to be centered at zero.
func rankSeries(x Series) Series {
	type kv struct {
		v   float64
		idx int
	}
	var defined []kv
	for i, v := range x {
		if !math.IsNaN(v) {
			defined = append(defined, kv{v, i})
		}
	}
	out := nanSeries(len(x))
	if len(defined) == 0 {
		return out
	}
	sort.Slice(defined, func(i, j int) bool { return defined[i].v < defined[j].v })

	n := float64(len(defined))
	i := 0
	for i < len(defined) {
		j := i
		for j < len(defined) && defined[j].v == defined[i].v {
			j++
		}
		// average rank for ties, 1-based
		avg := (float64(i+1) + float64(j)) / 2
		for k := i; k < j; k++ {
			out[defined[k].idx] = avg/n - 0.5
		}
		i = j
	}
	return out
}
