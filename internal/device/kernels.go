package device

import "sync/atomic"

// Axpby writes a*x + b*y into dst. Coefficients are applied in float64.
func (c *Context) Axpby(dst *Tensor, a float64, x *Tensor, b float64, y *Tensor) error {
	if err := dst.CheckShape(x); err != nil {
		return err
	}
	if err := dst.CheckShape(y); err != nil {
		return err
	}
	ch := dst.channels
	c.parallelRows(dst.rows, func(lo, hi int) {
		d, xs, ys := dst.data[lo*ch:hi*ch], x.data[lo*ch:hi*ch], y.data[lo*ch:hi*ch]
		for i := range d {
			d[i] = float32(a*float64(xs[i]) + b*float64(ys[i]))
		}
	})
	return nil
}

// Clamp bounds t in place to [lo, hi] and returns how many elements moved.
// NaNs are left untouched so they stay visible to the audit.
func (c *Context) Clamp(t *Tensor, lo, hi float32) int {
	var clamped int64
	ch := t.channels
	c.parallelRows(t.rows, func(rlo, rhi int) {
		n := int64(0)
		d := t.data[rlo*ch : rhi*ch]
		for i, v := range d {
			if v < lo {
				d[i] = lo
				n++
			} else if v > hi {
				d[i] = hi
				n++
			}
		}
		atomic.AddInt64(&clamped, n)
	})
	return int(clamped)
}

// SquaredError writes (pred - target)^2 into dst.
func (c *Context) SquaredError(dst, pred, target *Tensor) error {
	if err := dst.CheckShape(pred); err != nil {
		return err
	}
	if err := dst.CheckShape(target); err != nil {
		return err
	}
	ch := dst.channels
	c.parallelRows(dst.rows, func(lo, hi int) {
		d, p, g := dst.data[lo*ch:hi*ch], pred.data[lo*ch:hi*ch], target.data[lo*ch:hi*ch]
		for i := range d {
			diff := p[i] - g[i]
			d[i] = diff * diff
		}
	})
	return nil
}

// Copy writes src into dst.
func (c *Context) Copy(dst, src *Tensor) error {
	if err := dst.CheckShape(src); err != nil {
		return err
	}
	copy(dst.data, src.data)
	return nil
}
