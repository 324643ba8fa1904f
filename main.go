package main

import (
	"flag"
	"fmt"
	"os"

	"lamasm/vm"
)

var trace = flag.Bool("trace", false, "print each decoded instruction to stderr")

func init() {
	flag.Parse()
}

func main() {
	args := os.Args[len(os.Args)-flag.NArg():]

	if len(args) == 0 {
		fmt.Println("Usage: lamasm [-trace] <bytecode-file>")
		return
	}

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	img, err := vm.LoadImage(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	e := vm.NewEvaluator(img, os.Stdin, os.Stdout)
	e.SetTrace(*trace)

	runErr := e.Run()
	if *trace {
		fmt.Fprintf(os.Stderr, "allocations: %d\n", e.Allocations())
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}
