package main

import (
	"github.com/bcongdon/ensemble"
)

func main() {
	driver := ensemble.NewDriver()
	driver.Main()
}
