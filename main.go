package main

import (
	"os"

	"github.com/kilianp07/wqforecast/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
