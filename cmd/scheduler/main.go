package main

import (
	"os"

	"github.com/batsched/batsched/cmd/scheduler/cmd"
	"github.com/batsched/batsched/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
