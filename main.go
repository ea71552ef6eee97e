// Package main is the entry point for the analysisd rule correlation engine.
package main

import "analysisd/cmd"

func main() {
	cmd.Execute()
}
