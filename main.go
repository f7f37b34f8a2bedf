package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cyoda-platform/cyoda-worker-go/cmd"
	"github.com/cyoda-platform/cyoda-worker-go/internal/supervisor"
)

func main() {
	err := cmd.Run()
	if err == nil {
		return
	}

	fmt.Println(err.Error())

	var exitErr *supervisor.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}
