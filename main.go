// Command harvester searches media sources and downloads what they find.
package main

import "github.com/JakeFAU/media-harvester/cmd"

func main() {
	cmd.Execute()
}
