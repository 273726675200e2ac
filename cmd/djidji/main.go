// Package main 是 djidji 命令行工具的入口点。
package main

import (
	"os"

	"djidji-uploader/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
