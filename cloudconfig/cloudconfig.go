// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cloudconfig provides a mechanism to start a cloud from a
// shared configuration. Cloudconfig uses the configuration mechanism
// in package github.com/grailbio/base/config, and reads a default
// profile from $HOME/.bigcloud/config.
package cloudconfig

import (
	"flag"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcloud"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Servers run the same binary, so registering here lets them spill
// to s3:// prefixes.
func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// Path determines the location of the bigcloud profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigcloud/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigcloud configuration from Path, and returns the cloud as
// configured by the profile and any flags provided. Parse panics if
// the cloud cannot be started.
func Parse() *bigcloud.Cloud {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var c *bigcloud.Cloud
	config.Must("bigcloud", &c)
	return c
}
