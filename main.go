// Package main is the entry point for the nowbridge binary.
package main

import "nowbridge.evalgo.org/cli"

func main() {
	cli.Execute()
}
