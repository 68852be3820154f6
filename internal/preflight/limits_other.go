//go:build !unix

package preflight

func openFileLimit() (int, bool) { return 0, false }
