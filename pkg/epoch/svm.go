// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package epoch

// SVM returns the integer vector magnitude sqrt(x²+y²+z²).
func SVM(x, y, z int16) uint16 {
	xx := int64(x) * int64(x)
	yy := int64(y) * int64(y)
	zz := int64(z) * int64(z)
	return isqrt(uint32(xx + yy + zz))
}

// isqrt is a 16-step bit-trial integer square root: floor(sqrt(v)).
func isqrt(v uint32) uint16 {
	var root uint32
	for bit := uint32(1) << 15; bit != 0; bit >>= 1 {
		trial := root | bit
		if trial*trial <= v {
			root = trial
		}
	}
	return uint16(root)
}
