// Package must provide a set of functions that check for errors and panic on error.
//
// Convenient for tests, and for the command-line glue that has nothing better to do than failing.
package must

import (
	"k8s.io/klog/v2"
)

// M logs and panics if `err` is not nil.
//
// If you want a different error behavior (like `klog.Fatalf` or similar), just reassign M,
// and M1 and M2 will pick it up.
var M = func(err error) {
	if err != nil {
		klog.Errorf("Must not error: %+v\nPanicking ...\n\n", err)
		panic(err)
	}
}

// M1 checks that there is no error with `M(err)` and then simply returns the value given.
func M1[T1 any](value1 T1, err error) T1 {
	M(err)
	return value1
}

// M2 checks that there is no error with `M(err)` and then simply returns the values given.
func M2[T1 any, T2 any](value1 T1, value2 T2, err error) (T1, T2) {
	M(err)
	return value1, value2
}
