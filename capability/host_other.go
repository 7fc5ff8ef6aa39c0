//go:build !unix

package capability

func kernelRelease() string { return "" }
