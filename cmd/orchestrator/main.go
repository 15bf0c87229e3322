package main

import "github.com/creativeghq/batchflow/services/orchestrator/cli"

func main() {
	cli.Execute()
}
