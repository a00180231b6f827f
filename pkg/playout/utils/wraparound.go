package utils

import (
	"unsafe"
)

type number interface {
	uint16 | uint32
}

type extendedNumber interface {
	uint32 | uint64
}

// WrapAround extends a wrapping unsigned counter (RTP sequence number or
// media timestamp) into a monotonic value, tolerating reordering of up to
// half the counter range.
type WrapAround[T number, ET extendedNumber] struct {
	fullRange ET

	initialized bool
	start       T
	highest     T
	cycles      int
}

func NewWrapAround[T number, ET extendedNumber]() *WrapAround[T, ET] {
	var t T
	return &WrapAround[T, ET]{
		fullRange: 1 << (unsafe.Sizeof(t) * 8),
	}
}

// Update folds val into the tracked range and returns its extended value.
// isNewest reports whether val advanced the highest seen value.
func (w *WrapAround[T, ET]) Update(val T) (extended ET, isNewest bool) {
	if !w.initialized {
		w.start = val
		w.highest = val
		w.initialized = true
		return ET(val), true
	}

	gap := val - w.highest
	if gap != 0 && gap <= T(w.fullRange>>1) {
		// in-order
		if val < w.highest {
			w.cycles++
		}
		w.highest = val
		return ET(w.cycles)*w.fullRange + ET(val), true
	}

	// duplicate or reordered
	return w.extendBehind(val), false
}

func (w *WrapAround[T, ET]) Initialized() bool {
	return w.initialized
}

func (w *WrapAround[T, ET]) GetStart() T {
	return w.start
}

func (w *WrapAround[T, ET]) GetHighest() T {
	return w.highest
}

func (w *WrapAround[T, ET]) GetExtendedStart() ET {
	return ET(w.start)
}

func (w *WrapAround[T, ET]) GetExtendedHighest() ET {
	return ET(w.cycles)*w.fullRange + ET(w.highest)
}

// extendBehind places a non-advancing value into the proper cycle. The
// conditions mirror the in-order path:
//  1. a value behind a recent wrap belongs to the previous cycle,
//     sequences like (10, 65530) in uint16 space
//  2. a value behind the start, seen before half the range has elapsed,
//     becomes the new start so extension stays monotonic
func (w *WrapAround[T, ET]) extendBehind(val T) ET {
	cycles := w.cycles
	totalSeen := w.GetExtendedHighest() - w.GetExtendedStart() + 1
	if totalSeen <= (w.fullRange>>1) && val-w.start > T(w.fullRange>>1) {
		if val > w.highest {
			// predates a start that sits just past a wrap
			w.cycles = 1
			cycles = 0
		}
		w.start = val
		return ET(cycles)*w.fullRange + ET(val)
	}

	if val > w.highest && cycles > 0 {
		cycles--
	}
	return ET(cycles)*w.fullRange + ET(val)
}
