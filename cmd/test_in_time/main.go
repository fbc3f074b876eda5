//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/afd-plus/afd-plus/internal/timejob"
)

var Version = "v0.0.0"

func main() {
	at := flag.Int64("f", 0, "unix time to test instead of now")
	timezone := flag.String("z", "", "timezone to evaluate the expressions in")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-f <unix-time>] <cron-expr>...\n", os.Args[0])
		os.Exit(1)
	}

	sched, err := timejob.New(flag.Args(), *timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	t := time.Now()
	if *at != 0 {
		t = time.Unix(*at, 0)
	}

	if sched.InTime(t) {
		fmt.Println("IS in time")
	} else {
		fmt.Println("IS NOT in time")
	}
}
