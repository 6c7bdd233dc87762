// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package sandbox

// This file contains tests of the engine response parsing that does not
// need a live engine

import (
	"strings"
	"testing"
)

func TestParseLoadStream(t *testing.T) {
	items := []struct {
		msg      string
		stream   string
		expected string
		fails    bool
	}{
		{
			msg:      "tagged image",
			stream:   `{"stream":"Loaded image: busybox:latest\n"}`,
			expected: "busybox:latest",
		},
		{
			msg:      "untagged image by id",
			stream:   `{"stream":"Loaded image ID: sha256:0123456789abcdef\n"}`,
			expected: "sha256:0123456789abcdef",
		},
		{
			msg: "progress lines before the load line",
			stream: `{"status":"Loading layer","progressDetail":{"current":1024}}
{"stream":"Loaded image: algo:v1\n"}`,
			expected: "algo:v1",
		},
		{
			msg:    "engine rejection",
			stream: `{"error":"open /var/lib/docker/tmp/docker-import: no such file or directory"}`,
			fails:  true,
		},
		{
			msg:    "empty response",
			stream: "",
			fails:  true,
		},
		{
			msg: "first load line wins",
			stream: `{"stream":"Loaded image: algo:v1\n"}
{"stream":"Loaded image: algo:v2\n"}`,
			expected: "algo:v1",
		},
	}

	for _, item := range items {
		ref, err := parseLoadStream(strings.NewReader(item.stream))
		if item.fails {
			if err == nil {
				t.Fatal(item.msg, "expected a failure, got", ref)
			}
			continue
		}
		if err != nil {
			t.Fatal(item.msg, err)
		}
		if ref != item.expected {
			t.Fatal(item.msg, "expected", item.expected, "got", ref)
		}
	}
}
