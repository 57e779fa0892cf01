//go:build !unix

package fsutil

import "os"

// Without flock only the in-process mutexes serialize writers.
func flock(*os.File) error { return nil }

func funlock(*os.File) error { return nil }

func tryFlock(*os.File) (bool, error) { return true, nil }
