// Command storytime tracks a child's developmental stage and the daily story
// generation quota of an account.
package main

import (
	"fmt"
	"os"
)

func main() {
	a := newApp(os.Stdout)
	err := newRootCmd(a).Execute()
	// PersistentPostRunE is skipped when a command fails
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "Error:", cerr)
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}
