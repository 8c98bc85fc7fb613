package main

import (
	"log"

	tool "github.com/bda-association/bda-portal/internal/tools/provision"
)

func main() {
	if err := tool.NewRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
