package main

import (
	"flag"
	"fmt"
	"os"

	"nuha.dev/gpsmap/internal/util"
)

// hashkey prints a bcrypt hash suitable for GPS_API_KEY_HASH.
func main() {
	key := flag.String("key", "", "api key to hash")
	flag.Parse()
	if *key == "" {
		fmt.Fprintln(os.Stderr, "usage: hashkey -key <secret>")
		os.Exit(2)
	}
	fmt.Println(util.HashKey(*key))
}
