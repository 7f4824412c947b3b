package main

import (
	"os"

	"pvfexec/internal/pvf/executeworker"
)

func main() {
	os.Exit(executeworker.Main(os.Args))
}
