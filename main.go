package main

import (
	"fmt"
	"os"

	"github.com/SH-XiaoXiu/xnix-sub000/cmd"
)

func main() {
	root := cmd.SetupCLI()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
