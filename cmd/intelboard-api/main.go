package main

import (
	"context"
	"log"

	"github.com/intelboard/intelboard/internal/refresh"
)

func main() {
	if err := refresh.Run(context.Background()); err != nil {
		log.Fatalf("Failed to run refresh server: %v", err)
	}
}
