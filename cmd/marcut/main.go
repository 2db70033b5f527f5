// Command marcut manages a registry of Word documents and runs them
// through the external redaction engine.
package main

import "os"

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
