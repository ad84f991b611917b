package main

import (
	"log"

	"github.com/hireloop/fitqueue/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
