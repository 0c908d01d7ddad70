package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/ensemble"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "syntax: %s <userdata.json>\n", os.Args[0])
		os.Exit(2)
	}
	if err := ensemble.NodeMain(os.Args[1]); err != nil {
		log.Fatal(err)
	}
}
