package main

import "pkgbatch/internal/pkgbatch"

func main() {
	pkgbatch.Main()
}
