// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package resources

// This file contains the implementation of a resource tracker for the local
// host on which the submission store resides.  Free disk capacity is checked
// before new submissions are admitted and reported to health observers.

import (
	humanize "github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// DiskFacts describes the filesystem backing a directory of interest
type DiskFacts struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// String returns a human readable rendering of the disk facts
func (facts DiskFacts) String() string {
	return humanize.Bytes(facts.Free) + " free of " + humanize.Bytes(facts.Total)
}

// GetDiskFacts obtains capacity information for the filesystem holding the
// supplied path
func GetDiskFacts(path string) (facts DiskFacts, err kv.Error) {
	usage, errGo := disk.Usage(path)
	if errGo != nil {
		return facts, kv.Wrap(errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
	}
	return DiskFacts{
		Total:       usage.Total,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// CheckFreeSpace tests that at least minFree bytes remain available on the
// filesystem holding path.  The error carries both sides of the comparison
// for operator consumption.
func CheckFreeSpace(path string, minFree uint64) (err kv.Error) {
	facts, err := GetDiskFacts(path)
	if err != nil {
		return err
	}
	if facts.Free < minFree {
		return kv.NewError("insufficient disk space").With("path", path).
			With("free", humanize.Bytes(facts.Free)).With("needed", humanize.Bytes(minFree)).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
