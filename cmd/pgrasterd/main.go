// Command pgrasterd serves a PostGIS raster column over HTTP.
package main

func main() {
	Execute()
}
