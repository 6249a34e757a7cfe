// The main package for the permits executable.
package main

import (
	"github.com/JakeFAU/permit-crawler/cmd"
)

func main() {
	cmd.Execute()
}
