// The liftnorm tool normalizes the LLVM IR output of binary lifting front ends
// into one canonical architectural register and memory model.
//
// Usage:
//
//	liftnorm [-q] [-c config.json] [-o out.ll] [-e addr] <backend> [file.ll]
//
// The backend is one of capstone, remill or asl. The input is read from
// standard input if no file is given, or if the file is "-".
package main

import (
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

var (
	// dbg is a logger which logs debug messages with "liftnorm:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("liftnorm:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}
