package main

import (
	"fmt"
	"os"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
