package main

import (
	"fmt"

	"github.com/deep-blue/dcms-edge/internal/version"
)

// printVersion 输出注入的版本、提交与缓存版本。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
