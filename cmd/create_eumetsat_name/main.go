//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/afd-plus/afd-plus/internal/bulletin"
)

var Version = "v0.0.0"

func main() {
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}
	if flag.NArg() < 1 || flag.NArg() > 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <file> [<wmo-header>]\n", os.Args[0])
		os.Exit(1)
	}

	header := ""
	if flag.NArg() == 2 {
		header = flag.Arg(1)
	}

	newPath, err := bulletin.CreateEumetsatName(flag.Arg(0), header)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(newPath)
}
