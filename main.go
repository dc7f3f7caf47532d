package main

import (
	"os"

	"github.com/ShoshinNikita/sceneview/cmd"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
)

func main() {
	if err := cmd.Execute(); err != nil {
		rlog.Error(err)
		os.Exit(1)
	}
}
