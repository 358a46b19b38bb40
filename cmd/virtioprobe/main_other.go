//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "virtioprobe: vfio is only available on linux")
	os.Exit(1)
}
