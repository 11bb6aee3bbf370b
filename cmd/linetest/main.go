// Package main is the entry point for the linetest CLI tool.
package main

import (
	"github.com/linetest/linetest/internal/cmd"
)

func main() {
	cmd.Execute()
}
