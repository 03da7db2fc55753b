// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/grailbio/base/errors"
)

func TestParseSpill(t *testing.T) {
	for _, c := range []struct {
		url, bucket, prefix string
	}{
		{"s3://spill", "spill", ""},
		{"s3://spill/", "spill", ""},
		{"s3://spill/clouds/test/", "spill", "clouds/test"},
	} {
		bucket, prefix, err := parseSpill(c.url)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := bucket, c.bucket; got != want {
			t.Errorf("%s: got %v, want %v", c.url, got, want)
		}
		if got, want := prefix, c.prefix; got != want {
			t.Errorf("%s: got %v, want %v", c.url, got, want)
		}
	}
	for _, url := range []string{"/tmp/spill", "s3:///prefix", "gs://spill/prefix"} {
		if _, _, err := parseSpill(url); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: expected invalid error, got %v", url, err)
		}
	}
}

func TestInstanceWatermarks(t *testing.T) {
	lo, mid, hi, err := instanceWatermarks("r5.xlarge")
	if err != nil {
		t.Fatal(err)
	}
	// r5.xlarge has 32GiB of memory.
	if got, want := mid, uint64(16<<30); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !(lo < mid && mid < hi && hi < 32<<30) {
		t.Errorf("watermarks out of order: %d %d %d", lo, mid, hi)
	}
	if _, _, _, err := instanceWatermarks("x9.imaginary"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestSpillLifecycle(t *testing.T) {
	rules := spillLifecycle("clouds/test", 3).Rules
	if got, want := len(rules), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := aws.StringValue(rules[0].Filter.Prefix), "clouds/test/"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := aws.Int64Value(rules[0].Expiration.Days), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := aws.StringValue(spillLifecycle("", 1).Rules[0].Filter.Prefix), ""; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
