package main

import "github.com/andresmejia3/photosift/cmd"

func main() {
	cmd.Execute()
}
