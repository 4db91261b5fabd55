package main

import (
	"os"

	"github.com/loglineproject/logline/cmd/logline/cmd"
	"github.com/loglineproject/logline/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
