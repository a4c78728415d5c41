package convergence

import "math"

// step is the value a curve takes once progress passes at.
type step struct {
	at    float64
	value float64
}

// curve is a step function over progress whose jumps are spread linearly
// across [at-zone, at+zone].
type curve struct {
	base  float64
	steps []step
}

func (c curve) eval(progress, zone float64) float64 {
	v := c.base
	prev := c.base
	for _, s := range c.steps {
		v += (s.value - prev) * ramp(progress, s.at, zone)
		prev = s.value
	}
	return v
}

// ramp is 0 below at-zone, 1 above at+zone and linear in between.
func ramp(progress, at, zone float64) float64 {
	if zone <= 0 {
		if progress >= at {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, (progress-(at-zone))/(2*zone)))
}
