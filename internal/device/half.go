package device

import "github.com/x448/float16"

// Quantize rounds values in place to the precision of t.
// Float32 is a no-op; Float16 rounds each value to the nearest binary16.
func Quantize(t ElementType, values []float32) {
	if t != Float16 {
		return
	}
	for i, v := range values {
		values[i] = float16.Fromfloat32(v).Float32()
	}
}

// QuantizeValue rounds a single value to the precision of t.
func QuantizeValue(t ElementType, v float32) float32 {
	if t != Float16 {
		return v
	}
	return float16.Fromfloat32(v).Float32()
}

// BytesPerChannel is the storage size of one channel value.
func (t ElementType) BytesPerChannel() int {
	if t == Float16 {
		return 2
	}
	return 4
}
