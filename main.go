// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/invowk/packwire/cmd/packwire"

func main() {
	cmd.Execute()
}
