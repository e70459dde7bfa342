package main

import "go.litesync.dev/core/cmd/litesync/litesynccmd"

func main() { litesynccmd.Execute() }
