// alphacheck compiles an alpha expression and prints its normalized tree,
// for checking a formula before starting a forward test with it.
//
// Usage:
//
//	alphacheck 'rank(close / delay(close, 1)) - 0.5'
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BelDim04/invest-alphas/internal/formula"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: alphacheck <expression>")
		os.Exit(2)
	}
	src := strings.Join(os.Args[1:], " ")

	program, err := formula.Compile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(program.Root.String())
}
