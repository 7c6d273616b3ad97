// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments
//
// Meterbench - Meter Main-Control Board Test Fixture
//
// Production test-fixture software for gas and water meter control
// boards: MES line protocols on one link, the board under test on the
// other, with the valve test sequence in between.

package main

import (
	"os"

	"github.com/veriflux/meterbench/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
