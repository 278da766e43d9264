// Package main is a command line front end to the mortgage engine. Every
// command reads a JSON request file and writes the JSON result to stdout.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("mortgagectl failed")
		os.Exit(1)
	}
}
