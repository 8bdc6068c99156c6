package main

import (
	cli "gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "path to a YAML config file",
		EnvVar: "CONTEST_CONFIG",
	}
	storeFlag = cli.StringFlag{
		Name:  "store",
		Usage: "record store (memory|postgres|leveldb)",
	}
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "API listening address",
	}
	keeperFlag = cli.BoolTFlag{
		Name:  "keeper",
		Usage: "run the lifecycle keeper (--keeper=false to disable)",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "log level (debug|info|warn|error)",
	}
	subjectFlag = cli.StringFlag{
		Name:  "sub",
		Usage: "token subject (caller identity)",
	}
	roleFlag = cli.StringFlag{
		Name:  "role",
		Usage: "token role, 'admin' for admin routes",
	}
	ttlFlag = cli.DurationFlag{
		Name:  "ttl",
		Value: 0,
		Usage: "token lifetime (default 24h)",
	}
)
