// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logger

import "os"

// ExitWithError closes the current process with the given error code.
// Meant to be deferred from main so that deferred cleanups still run.
func ExitWithError(exitCode *int) {
	os.Exit(*exitCode)
}
