package ruleengine

import (
	"fmt"
	"math"
)

// callBuiltin dispatches a parsed call node to its implementation.
// Stateless built-ins are pure functions of their evaluated
// arguments; stateful ones additionally read/write per-(rule,fn,var)
// state via evalContext.state (§4.8).
func callBuiltin(c *evalContext, n *callNode) (float64, error) {
	switch n.fn {
	case "scale":
		return callStateless2(c, n, func(x, k float64) float64 { return x * k })
	case "clamp":
		args, err := evalArgs(c, n, 3)
		if err != nil {
			return 0, err
		}
		x, lo, hi := args[0], args[1], args[2]
		if x < lo {
			return lo, nil
		}
		if x > hi {
			return hi, nil
		}
		return x, nil
	case "abs":
		return callStateless1(c, n, math.Abs)
	case "min":
		return callStateless2(c, n, math.Min)
	case "max":
		return callStateless2(c, n, math.Max)
	case "round":
		args, err := evalArgs(c, n, 2)
		if err != nil {
			return 0, err
		}
		x, d := args[0], args[1]
		mult := math.Pow(10, d)
		return math.Round(x*mult) / mult, nil
	case "sign":
		return callStateless1(c, n, func(x float64) float64 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			default:
				return 0
			}
		})
	case "integrate":
		return integrate(c, n)
	case "moving_avg":
		return movingAvg(c, n)
	case "rate_of_change":
		return rateOfChange(c, n)
	}
	return 0, fmt.Errorf("ruleengine: unknown function %q", n.fn)
}

func evalArgs(c *evalContext, n *callNode, want int) ([]float64, error) {
	if len(n.args) != want {
		return nil, fmt.Errorf("ruleengine: %s wants %d argument(s), got %d", n.fn, want, len(n.args))
	}
	out := make([]float64, want)
	for i, a := range n.args {
		v, err := a.eval(c)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func callStateless1(c *evalContext, n *callNode, f func(float64) float64) (float64, error) {
	args, err := evalArgs(c, n, 1)
	if err != nil {
		return 0, err
	}
	return f(args[0]), nil
}

func callStateless2(c *evalContext, n *callNode, f func(a, b float64) float64) (float64, error) {
	args, err := evalArgs(c, n, 2)
	if err != nil {
		return 0, err
	}
	return f(args[0], args[1]), nil
}

// integrate(x, unit_factor): first call records t0 and returns 0;
// subsequent calls accumulate sum(x_i * dt_i * unit_factor). dt<=0 is
// a no-op returning the current accumulator (§4.8).
func integrate(c *evalContext, n *callNode) (float64, error) {
	args, err := evalArgs(c, n, 2)
	if err != nil {
		return 0, err
	}
	x, unitFactor := args[0], args[1]
	variable := n.firstArgIdentity()

	var st integrateState
	found, err := c.state.load(c.ctx, c.ruleID, "integrate", variable, &st)
	if err != nil {
		return 0, err
	}
	if !found {
		st = integrateState{TPrevMs: c.nowMs, Accum: 0}
		if err := c.state.store(c.ctx, c.ruleID, "integrate", variable, st); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if c.nowMs <= st.TPrevMs {
		return st.Accum, nil
	}
	dtSeconds := float64(c.nowMs-st.TPrevMs) / 1000.0
	st.Accum += x * dtSeconds * unitFactor
	st.TPrevMs = c.nowMs
	if err := c.state.store(c.ctx, c.ruleID, "integrate", variable, st); err != nil {
		return 0, err
	}
	return st.Accum, nil
}

// moving_avg(x, W): ring buffer of size W; changing W resets the
// buffer (§4.8).
func movingAvg(c *evalContext, n *callNode) (float64, error) {
	args, err := evalArgs(c, n, 2)
	if err != nil {
		return 0, err
	}
	x, wArg := args[0], args[1]
	window := int(wArg)
	if window <= 0 {
		return 0, fmt.Errorf("ruleengine: moving_avg window must be positive, got %v", wArg)
	}
	variable := n.firstArgIdentity()

	var st movingAvgState
	found, err := c.state.load(c.ctx, c.ruleID, "moving_avg", variable, &st)
	if err != nil {
		return 0, err
	}
	if !found || st.Window != window {
		st = movingAvgState{Window: window, Buffer: make([]float64, window)}
	}

	st.Buffer[st.Pos] = x
	st.Pos = (st.Pos + 1) % st.Window
	if st.Count < st.Window {
		st.Count++
	}
	if err := c.state.store(c.ctx, c.ruleID, "moving_avg", variable, st); err != nil {
		return 0, err
	}

	sum := 0.0
	for i := 0; i < st.Count; i++ {
		sum += st.Buffer[i]
	}
	return sum / float64(st.Count), nil
}

// rate_of_change(x): (x_i - x_i-1) / dt_i; first call returns 0
// (§4.8).
func rateOfChange(c *evalContext, n *callNode) (float64, error) {
	args, err := evalArgs(c, n, 1)
	if err != nil {
		return 0, err
	}
	x := args[0]
	variable := n.firstArgIdentity()

	var st rateState
	found, err := c.state.load(c.ctx, c.ruleID, "rate_of_change", variable, &st)
	if err != nil {
		return 0, err
	}
	next := rateState{TPrevMs: c.nowMs, XPrev: x, HasPrev: true}
	if err := c.state.store(c.ctx, c.ruleID, "rate_of_change", variable, next); err != nil {
		return 0, err
	}
	if !found || !st.HasPrev || c.nowMs <= st.TPrevMs {
		return 0, nil
	}
	dtSeconds := float64(c.nowMs-st.TPrevMs) / 1000.0
	return (x - st.XPrev) / dtSeconds, nil
}
