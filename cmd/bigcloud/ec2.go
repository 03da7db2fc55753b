// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmachine/ec2system/instances"

	// Registered so that the written profile carries their defaults.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigcloud"
	"github.com/grailbio/bigcloud/cloudconfig"
	_ "github.com/grailbio/bigmachine/ec2system"
)

// cloudTag is the EC2 tag whose value names the cloud a security
// group was created for.
const cloudTag = "bigcloud:cloud"

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigcloud setup-ec2 -spill s3://bucket/prefix [flags]

Command setup-ec2 provisions what a cloud needs to run its servers
on EC2 and records it in the profile at `, cloudconfig.Path, `:

	the spill bucket, created if missing, with a lifecycle rule
	    that expires spilled values under the prefix;
	the reclaimer watermarks, derived from the memory of the
	    server instance type;
	a security group admitting HTTPS between the cloud's machines,
	    tagged with the cloud's name and reused by later runs.

An existing profile is updated in place.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags    = flag.NewFlagSet("bigcloud setup-ec2", flag.ExitOnError)
		spill    = flags.String("spill", "", "the s3:// prefix to which servers spill values")
		expire   = flags.Int("expire", 7, "days after which spilled values are deleted")
		servers  = flags.Int("servers", 4, "the number of servers in the cloud")
		instance = flags.String("instance", "r5.xlarge", "the EC2 instance type of the servers")
		group    = flags.String("securitygroup", "bigcloud", "the name of the security group used when one is created")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	flags.Parse(args)
	if flags.NArg() != 0 || *spill == "" {
		flags.Usage()
	}
	bucket, prefix, err := parseSpill(*spill)
	must.Nil(err)
	lo, mid, hi, err := instanceWatermarks(*instance)
	must.Nil(err)

	profile := config.New()
	if f, err := os.Open(cloudconfig.Path); err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	region := "us-west-2"
	if v, ok := profile.Get("aws/env.region"); ok && strings.Trim(v, `"`) != "" {
		region = strings.Trim(v, `"`)
	}
	name := "bigcloud"
	if v, ok := profile.Get("bigcloud.name"); ok && strings.Trim(v, `"`) != "" {
		name = strings.Trim(v, `"`)
	}

	ctx := context.Background()
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	must.Nil(err, "AWS session")
	must.Nil(ensureSpillBucket(ctx, s3.New(sess), region, bucket, prefix, *expire))
	sg, err := ensureSecurityGroup(ctx, ec2.New(sess), name, *group)
	must.Nil(err)

	settings := [][2]string{
		{"bigcloud.system", "bigmachine/ec2system"},
		{"bigcloud.servers", fmt.Sprint(*servers)},
		{"bigcloud.spill", *spill},
		{"bigcloud.lo", fmt.Sprint(lo)},
		{"bigcloud.mid", fmt.Sprint(mid)},
		{"bigcloud.hi", fmt.Sprint(hi)},
		{"bigmachine/ec2system.default-region", region},
		{"bigmachine/ec2system.instance", *instance},
		{"bigmachine/ec2system.security-group", sg},
	}
	for _, kv := range settings {
		must.Nil(profile.Set(kv[0], kv[1]), kv[0])
	}
	must.Nil(writeProfile(profile, cloudconfig.Path))
	log.Printf("cloud %s: %d %s servers spilling to %s; wrote %s", name, *servers, *instance, *spill, cloudconfig.Path)
}

// parseSpill splits an s3:// spill prefix into its bucket and key
// prefix.
func parseSpill(prefix string) (bucket, key string, err error) {
	u, err := url.Parse(prefix)
	if err != nil {
		return "", "", errors.E(errors.Invalid, "spill prefix", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.E(errors.Invalid, fmt.Sprintf("spill prefix %s: expected s3://bucket[/prefix]", prefix))
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// instanceWatermarks returns reclaimer watermarks for servers running
// on the named instance type. Reclamation starts at half of the
// machine's memory and spills down to 40% of it; above 75% values
// are spilled without regard to recency.
func instanceWatermarks(name string) (lo, mid, hi uint64, err error) {
	for _, typ := range instances.Types {
		if typ.Name != name {
			continue
		}
		mem := typ.Memory * (1 << 30)
		return uint64(mem * 0.4), uint64(mem * 0.5), uint64(mem * 0.75), nil
	}
	return 0, 0, 0, errors.E(errors.NotExist, fmt.Sprintf("unknown EC2 instance type %s", name))
}

// spillLifecycle returns the bucket lifecycle that deletes values
// spilled under prefix after the given number of days. Servers delete
// their blobs as values are replaced, so the rule only collects what
// is left behind by clouds that did not shut down cleanly.
func spillLifecycle(prefix string, days int) *s3.BucketLifecycleConfiguration {
	if prefix != "" {
		prefix += "/"
	}
	return &s3.BucketLifecycleConfiguration{
		Rules: []*s3.LifecycleRule{{
			ID:         aws.String("bigcloud-spill"),
			Status:     aws.String(s3.ExpirationStatusEnabled),
			Filter:     &s3.LifecycleRuleFilter{Prefix: aws.String(prefix)},
			Expiration: &s3.LifecycleExpiration{Days: aws.Int64(int64(days))},
		}},
	}
}

func ensureSpillBucket(ctx context.Context, svc *s3.S3, region, bucket, prefix string, days int) error {
	_, err := svc.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil:
		log.Printf("spill bucket %s exists", bucket)
	case isNotFound(err):
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		// us-east-1 is the default location and may not be named.
		if region != "us-east-1" {
			input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
				LocationConstraint: aws.String(region),
			}
		}
		if _, err := svc.CreateBucketWithContext(ctx, input); err != nil {
			return errors.E(fmt.Sprintf("create spill bucket %s", bucket), err)
		}
		log.Printf("created spill bucket %s in %s", bucket, region)
	default:
		return errors.E(fmt.Sprintf("spill bucket %s", bucket), err)
	}
	_, err = svc.PutBucketLifecycleConfigurationWithContext(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(bucket),
		LifecycleConfiguration: spillLifecycle(prefix, days),
	})
	if err != nil {
		return errors.E(fmt.Sprintf("spill bucket %s: lifecycle", bucket), err)
	}
	return nil
}

func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchBucket)
}

// ensureSecurityGroup returns the security group tagged for the
// named cloud, creating it in the default VPC if there is none. The
// group admits HTTPS, which carries bigmachine's RPCs, and all traffic
// from within the VPC.
func ensureSecurityGroup(ctx context.Context, svc *ec2.EC2, cloud, name string) (string, error) {
	groups, err := svc.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("tag:" + cloudTag),
			Values: []*string{aws.String(cloud)},
		}},
	})
	if err != nil {
		return "", errors.E("describe security groups", err)
	}
	if len(groups.SecurityGroups) > 0 {
		id := aws.StringValue(groups.SecurityGroups[0].GroupId)
		log.Printf("cloud %s uses security group %s", cloud, id)
		return id, nil
	}

	vpcs, err := svc.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{Name: aws.String("isDefault"), Values: []*string{aws.String("true")}}},
	})
	if err != nil {
		return "", errors.E("describe default VPC", err)
	}
	if len(vpcs.Vpcs) != 1 {
		return "", errors.E(errors.Precondition, fmt.Sprintf("found %d default VPCs; the security group must be set up manually", len(vpcs.Vpcs)))
	}
	vpc := vpcs.Vpcs[0]
	created, err := svc.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(fmt.Sprintf("servers of bigcloud %s", cloud)),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("create security group %s", name), err)
	}
	id := aws.StringValue(created.GroupId)
	_, err = svc.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []*ec2.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
			},
			{
				IpProtocol: aws.String("tcp"),
				IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				FromPort:   aws.Int64(443),
				ToPort:     aws.Int64(443),
			},
		},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("security group %s: ingress", id), err)
	}
	// Without the tag a later run would create a second group.
	_, err = svc.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags:      []*ec2.Tag{{Key: aws.String(cloudTag), Value: aws.String(cloud)}},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("security group %s: tag", id), err)
	}
	log.Printf("created security group %s for cloud %s in %s", id, cloud, aws.StringValue(vpc.VpcId))
	return id, nil
}

// writeProfile replaces the profile at path.
func writeProfile(profile *config.Profile, path string) error {
	var buf bytes.Buffer
	if err := profile.PrintTo(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	tmp := path + ".setup-ec2"
	if err := ioutil.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
