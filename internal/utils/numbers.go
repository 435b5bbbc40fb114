package utils

import "math"

type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func Clamp[T Number](value, min, max T) T {
	if value < min {
		return min
	}
	if value > max {
		return max
	}

	return value
}

// RoundToStep rounds value to the nearest multiple of step, halves away from zero.
func RoundToStep(value, step int) int {
	if step <= 0 {
		return value
	}

	return int(math.Round(float64(value)/float64(step))) * step
}
