// Command chatcli is a terminal client for the realtime chat service.
package main

func main() {
	Execute()
}
