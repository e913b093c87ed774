package main

import (
	"log"

	"github.com/flarebyte/redstore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
