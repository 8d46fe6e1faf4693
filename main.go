package main

import (
	"fmt"

	"github.com/relaycore/chatrelay/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
