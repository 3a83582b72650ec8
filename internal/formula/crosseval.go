package formula

import (
	"fmt"
	"math"
	"sort"
)

// EvaluateCross executes a Program over a universe of instruments at once.
// Every context must be aligned: equal length, same timestamps. rank and
// indneutralize operate across instruments per time index in this mode;
// everything else evaluates per instrument exactly as Evaluate does.
//
// groups optionally assigns instruments to neutralization buckets for a
// one-argument indneutralize; a missing entry means the single default
// bucket. A two-argument indneutralize takes its bucket from the evaluated
// group series instead.
func EvaluateCross(p *Program, ctxs map[string]Context, groups map[string]string) (map[string]Series, error) {
	if len(ctxs) == 0 {
		return nil, fmt.Errorf("no instrument contexts")
	}

	tickers := make([]string, 0, len(ctxs))
	for tk := range ctxs {
		tickers = append(tickers, tk)
	}
	sort.Strings(tickers)

	n := -1
	evs := make(map[string]*evaluator, len(ctxs))
	for _, tk := range tickers {
		ln, err := ctxs[tk].validate()
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", tk, err)
		}
		if n == -1 {
			n = ln
		} else if ln != n {
			return nil, fmt.Errorf("instrument %s: series length %d, want %d", tk, ln, n)
		}
		evs[tk] = &evaluator{ctx: ctxs[tk], n: ln}
	}

	ce := &crossEvaluator{tickers: tickers, groups: groups, evs: evs, n: n}
	cross := ce.eval(p.Root)

	out := make(map[string]Series, len(tickers))
	for _, tk := range tickers {
		out[tk] = cross[tk].materialize(n)
	}
	return out, nil
}

type crossEvaluator struct {
	tickers []string
	groups  map[string]string
	evs     map[string]*evaluator
	n       int
}

func (ce *crossEvaluator) eval(node *Node) map[string]value {
	if node.Kind == KindCall && crossSectional[node.Name] {
		switch node.Name {
		case "rank":
			return ce.crossRank(ce.eval(node.Args[0]))
		case "indneutralize":
			arg := ce.eval(node.Args[0])
			if len(node.Args) == 2 {
				return ce.crossDemeanBySeries(arg, ce.eval(node.Args[1]))
			}
			return ce.crossDemeanByLabel(arg)
		}
	}

	args := make([]map[string]value, len(node.Args))
	for i, child := range node.Args {
		args[i] = ce.eval(child)
	}

	out := make(map[string]value, len(ce.tickers))
	for _, tk := range ce.tickers {
		perTicker := make([]value, len(args))
		for i := range args {
			perTicker[i] = args[i][tk]
		}
		out[tk] = ce.evs[tk].apply(node, perTicker)
	}
	return out
}

// crossRank replaces each instrument's value at t with its percentile rank
// (average method, centered at zero) among all defined values at t.
func (ce *crossEvaluator) crossRank(arg map[string]value) map[string]value {
	out := ce.blank()
	for t := 0; t < ce.n; t++ {
		type kv struct {
			tk string
			v  float64
		}
		var defined []kv
		for _, tk := range ce.tickers {
			if v := arg[tk].at(t); !math.IsNaN(v) {
				defined = append(defined, kv{tk, v})
			}
		}
		if len(defined) == 0 {
			continue
		}
		sort.Slice(defined, func(i, j int) bool { return defined[i].v < defined[j].v })
		n := float64(len(defined))
		i := 0
		for i < len(defined) {
			j := i
			for j < len(defined) && defined[j].v == defined[i].v {
				j++
			}
			avg := (float64(i+1) + float64(j)) / 2
			for k := i; k < j; k++ {
				out[defined[k].tk].series[t] = avg/n - 0.5
			}
			i = j
		}
	}
	return ce.seal(out)
}

// crossDemeanByLabel demeans across instruments at each t within the
// buckets given by the groups map.
func (ce *crossEvaluator) crossDemeanByLabel(arg map[string]value) map[string]value {
	out := ce.blank()
	for t := 0; t < ce.n; t++ {
		sums := make(map[string]float64)
		counts := make(map[string]int)
		for _, tk := range ce.tickers {
			if v := arg[tk].at(t); !math.IsNaN(v) {
				g := ce.groups[tk]
				sums[g] += v
				counts[g]++
			}
		}
		for _, tk := range ce.tickers {
			v := arg[tk].at(t)
			if math.IsNaN(v) {
				continue
			}
			g := ce.groups[tk]
			out[tk].series[t] = v - sums[g]/float64(counts[g])
		}
	}
	return ce.seal(out)
}

// crossDemeanBySeries demeans across instruments at each t, bucketing by
// the evaluated group series value at t.
func (ce *crossEvaluator) crossDemeanBySeries(arg, group map[string]value) map[string]value {
	out := ce.blank()
	for t := 0; t < ce.n; t++ {
		sums := make(map[float64]float64)
		counts := make(map[float64]int)
		for _, tk := range ce.tickers {
			v, g := arg[tk].at(t), group[tk].at(t)
			if math.IsNaN(v) || math.IsNaN(g) {
				continue
			}
			sums[g] += v
			counts[g]++
		}
		for _, tk := range ce.tickers {
			v, g := arg[tk].at(t), group[tk].at(t)
			if math.IsNaN(v) || math.IsNaN(g) {
				continue
			}
			out[tk].series[t] = v - sums[g]/float64(counts[g])
		}
	}
	return ce.seal(out)
}

// blank allocates an all-NaN mutable result map.
func (ce *crossEvaluator) blank() map[string]*value {
	out := make(map[string]*value, len(ce.tickers))
	for _, tk := range ce.tickers {
		v := seriesValue(nanSeries(ce.n))
		out[tk] = &v
	}
	return out
}

func (ce *crossEvaluator) seal(m map[string]*value) map[string]value {
	out := make(map[string]value, len(m))
	for tk, v := range m {
		out[tk] = *v
	}
	return out
}
