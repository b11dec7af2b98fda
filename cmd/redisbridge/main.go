package main

import "github.com/DeBrosOfficial/redisbridge/pkg/cli"

func main() {
	cli.Execute()
}
