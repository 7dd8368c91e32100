//go:build !unix

package cmd

import "fmt"

func startDaemon(string) (int, error) {
	return 0, fmt.Errorf("--daemonize is not supported on this platform")
}
