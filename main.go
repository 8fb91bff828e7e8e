package main

import "github.com/frahmantamala/disbursement-core/cmd"

func main() {
	cmd.Execute()
}
