// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package resources

import (
	"math"
	"os"
	"testing"
)

// Test that capacity facts for a real filesystem are sane and that the
// preflight check agrees with them
//
func TestDiskFacts(t *testing.T) {
	facts, err := GetDiskFacts(os.TempDir())
	if err != nil {
		t.Fatal(err.Error())
	}

	if facts.Total == 0 {
		t.Fatal("filesystem reported zero capacity")
	}
	if facts.Free > facts.Total {
		t.Fatal("free exceeds total", facts.String())
	}

	if err = CheckFreeSpace(os.TempDir(), 1); err != nil {
		t.Fatal(err.Error())
	}
	if err = CheckFreeSpace(os.TempDir(), math.MaxUint64); err == nil {
		t.Fatal("preflight passed an impossible reservation")
	}
}
