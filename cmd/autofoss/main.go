package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	c := NewCLI(path.Base(os.Args[0]))
	if err := RootCmd(c).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if c.ExitCode == 0 {
			c.ExitCode = 1
		}
	}
	os.Exit(c.ExitCode)
}
