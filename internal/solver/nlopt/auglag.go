package nlopt

import (
	"fmt"
	"math"
)

const (
	auglagMaxOuter    = 100
	auglagInitialRho  = 10.0
	auglagMaxRho      = 1e8
	auglagViolShrink  = 0.9
	auglagOuterFtol   = 1e-8
	auglagOuterFtolAb = 1e-10
)

// optimizeAugLag runs the augmented-Lagrangian outer loop: constraints are
// folded into a penalized objective whose multipliers are updated between
// subproblem solves performed by the nested local optimizer. Both AUGLAG
// variants fold every registered constraint here since the local methods
// are unconstrained.
func (o *Opt) optimizeAugLag(x []float64) ([]float64, float64, Result, error) {
	if o.local == nil {
		return x, math.NaN(), INVALID_ARGS, fmt.Errorf("nlopt: %s requires a local optimizer", AlgorithmName(o.algorithm))
	}
	if o.local.algorithm.NeedsLocal() {
		return x, math.NaN(), INVALID_ARGS, fmt.Errorf("nlopt: local optimizer must be a local method")
	}

	// Unconstrained problems collapse to a single subproblem solve.
	if len(o.eq) == 0 && len(o.ineq) == 0 {
		xs, f, res, err := o.runMethod(o.local.algorithm, o.objective, x, o.local.ftolRel, o.local.ftolAbs)
		o.clip(xs)
		return xs, f, res, err
	}

	lambda := make([]float64, len(o.eq))
	mu := make([]float64, len(o.ineq))
	rho := auglagInitialRho
	cgrad := make([]float64, o.dim)

	augmented := func(x, grad []float64) float64 {
		v := o.objective(x, grad)
		for i, c := range o.eq {
			h := o.evalConstraint(c.f, x, grad != nil, cgrad)
			v += lambda[i]*h + 0.5*rho*h*h
			if grad != nil {
				s := lambda[i] + rho*h
				for k := range grad {
					grad[k] += s * cgrad[k]
				}
			}
		}
		for j, c := range o.ineq {
			g := o.evalConstraint(c.f, x, grad != nil, cgrad)
			if t := mu[j] + rho*g; t > 0 {
				v += (t*t - mu[j]*mu[j]) / (2 * rho)
				if grad != nil {
					for k := range grad {
						grad[k] += t * cgrad[k]
					}
				}
			} else {
				v -= mu[j] * mu[j] / (2 * rho)
			}
		}
		return v
	}

	ftolRel := o.ftolRel
	if ftolRel <= 0 {
		ftolRel = auglagOuterFtol
	}

	xs := append([]float64(nil), x...)
	fPrev := math.Inf(1)
	prevViol := math.Inf(1)
	res := SUCCESS

	for outer := 0; outer < auglagMaxOuter; outer++ {
		var err error
		xs, _, res, err = o.runMethod(o.local.algorithm, augmented, xs, o.local.ftolRel, o.local.ftolAbs)
		if err != nil {
			return xs, o.objective(xs, nil), res, err
		}
		o.clip(xs)
		f := o.objective(xs, nil)

		// Multiplier updates and feasibility measured against each
		// constraint's own tolerance.
		viol := 0.0
		feasible := true
		for i, c := range o.eq {
			h := o.evalConstraint(c.f, xs, false, nil)
			lambda[i] += rho * h
			if ab := math.Abs(h); ab > viol {
				viol = ab
			}
			if math.Abs(h) > c.tol {
				feasible = false
			}
		}
		for j, c := range o.ineq {
			g := o.evalConstraint(c.f, xs, false, nil)
			mu[j] = math.Max(0, mu[j]+rho*g)
			if g > viol {
				viol = g
			}
			if g > c.tol {
				feasible = false
			}
		}

		if feasible {
			df := math.Abs(f - fPrev)
			if df <= ftolRel*math.Abs(f)+auglagOuterFtolAb {
				return xs, f, FTOL_REACHED, nil
			}
		}
		if res == MAXEVAL_REACHED || res == MAXTIME_REACHED {
			return xs, f, res, nil
		}
		if o.evalsExhausted() {
			return xs, f, MAXEVAL_REACHED, nil
		}
		if o.timeExhausted() {
			return xs, f, MAXTIME_REACHED, nil
		}

		if viol > auglagViolShrink*prevViol && rho < auglagMaxRho {
			rho *= 2
		}
		prevViol = viol
		fPrev = f
	}

	return xs, o.objective(xs, nil), res, nil
}

// evalConstraint evaluates a constraint at x, zeroing the scratch gradient
// first when one is requested. Constraint functions overwrite only the
// entries they touch.
func (o *Opt) evalConstraint(f Func, x []float64, withGrad bool, cgrad []float64) float64 {
	if !withGrad {
		return f(x, nil)
	}
	for i := range cgrad {
		cgrad[i] = 0
	}
	return f(x, cgrad)
}
